package account

import (
	"context"

	"github.com/emiago/sipgo/sip"

	"github.com/ocslcs/sipsimple/internal/presence"
	"github.com/ocslcs/sipsimple/internal/soap"
)

// PublishPresence originates or updates this account's rich presence via an
// OCS2007 msrtc-category-publish SERVICE request, run through the event
// loop like every other externally-triggered action. A 409 version
// conflict is handled internally: clear presence, reset the version
// counter to zero, and republish, following the protocol
// internal/soap/presence.go's CategoryPublish/ClearPresence doc comments
// describe.
func (a *Account) PublishPresence(ctx context.Context, act presence.Activity, note string) error {
	var err error
	a.runOnLoop(func() {
		err = a.publishPresence(ctx, act, note)
	})
	return err
}

func (a *Account) publishPresence(ctx context.Context, act presence.Activity, note string) error {
	code := presence.MSRTCPublishCode(act)
	body := soap.CategoryPublish(a.creds.SIPURI(), a.presenceVersion, code, note)
	return a.svc.Send(ctx, soap.ContentTypeCategoryPublish, []byte(body), func(res *sip.Response, err error) {
		a.handlePublishResponse(ctx, act, note, res, err)
	})
}

func (a *Account) handlePublishResponse(ctx context.Context, act presence.Activity, note string, res *sip.Response, err error) {
	if err != nil {
		a.logger.Warn("publishing presence", "error", err)
		return
	}
	switch {
	case res.StatusCode == 409:
		a.logger.Info("presence publish version conflict, clearing before republish")
		clearBody := soap.ClearPresence(a.creds.SIPURI())
		if sendErr := a.svc.Send(ctx, soap.ContentTypeCategoryPublish, []byte(clearBody), func(res2 *sip.Response, err2 error) {
			a.handleClearResponse(ctx, act, note, res2, err2)
		}); sendErr != nil {
			a.logger.Warn("sending clear-presence", "error", sendErr)
		}
	case res.StatusCode >= 300:
		a.logger.Warn("presence publish rejected", "status", res.StatusCode)
	default:
		a.presenceVersion++
	}
}

func (a *Account) handleClearResponse(ctx context.Context, act presence.Activity, note string, res *sip.Response, err error) {
	if err != nil {
		a.logger.Warn("clearing presence", "error", err)
		return
	}
	if res.StatusCode >= 300 {
		a.logger.Warn("clear-presence rejected", "status", res.StatusCode)
		return
	}
	a.presenceVersion = 0
	if err := a.publishPresence(ctx, act, note); err != nil {
		a.logger.Warn("republishing presence after clear", "error", err)
	}
}

// AddGroup requests a new roaming contact group named name.
func (a *Account) AddGroup(ctx context.Context, name string) error {
	return a.sendManagement(ctx, soap.AddGroup(name))
}

// ModifyGroup renames the group identified by groupID.
func (a *Account) ModifyGroup(ctx context.Context, groupID int, name string) error {
	return a.sendManagement(ctx, soap.ModifyGroup(groupID, name))
}

// DeleteGroup removes the group identified by groupID.
func (a *Account) DeleteGroup(ctx context.Context, groupID int) error {
	return a.sendManagement(ctx, soap.DeleteGroup(groupID))
}

// SetContact adds or updates a buddy entry, placing it in groupIDs.
func (a *Account) SetContact(ctx context.Context, uri, displayName string, groupIDs []int) error {
	return a.sendManagement(ctx, soap.SetContact(uri, displayName, groupIDs))
}

// DeleteContact removes the buddy identified by uri.
func (a *Account) DeleteContact(ctx context.Context, uri string) error {
	return a.sendManagement(ctx, soap.DeleteContact(uri))
}

// SetWatcherACL allows or blocks uri from watching this account's presence.
func (a *Account) SetWatcherACL(ctx context.Context, uri string, allow bool) error {
	action := soap.ACEBlock
	if allow {
		action = soap.ACEAllow
	}
	return a.sendManagement(ctx, soap.SetACE(uri, action))
}

// DirectorySearch issues an Active Directory lookup by attrs. The response
// body's schema is deployment-specific, so it is only logged here; a host
// that needs the results parsed should do so itself.
func (a *Account) DirectorySearch(ctx context.Context, attrs []soap.DirectoryAttribute) error {
	return a.sendManagement(ctx, soap.DirectorySearch(attrs))
}

// sendManagement wraps body in the application/SOAP+xml envelope every
// buddy-list-management SERVICE request uses, dispatched through the event
// loop since these are host-driven actions rather than NOTIFY reactions.
func (a *Account) sendManagement(ctx context.Context, body string) error {
	var err error
	a.runOnLoop(func() {
		err = a.svc.Send(ctx, soap.ContentTypeManagement, []byte(body), func(res *sip.Response, sendErr error) {
			a.handleManagementResponse(res, sendErr)
		})
	})
	return err
}

func (a *Account) handleManagementResponse(res *sip.Response, err error) {
	if err != nil {
		a.logger.Warn("buddy-list management request failed", "error", err)
		return
	}
	if res.StatusCode >= 300 {
		a.logger.Warn("buddy-list management request rejected", "status", res.StatusCode)
	}
}
