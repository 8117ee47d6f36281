package subscribe

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo/sip"

	"github.com/ocslcs/sipsimple/internal/ratelimit"
)

// perBuddySubscribeRate is the ~25 subscriptions/second ceiling used when
// spreading individual presence SUBSCRIBEs across a buddy list that has no
// batched ("adhoclist") support.
const perBuddySubscribeRate = 25

// SubscribeEachPaced issues one presence SUBSCRIBE per target, admitted
// through a shared rate.Limiter so the burst never exceeds
// perBuddySubscribeRate per second. It stops at the first Send error other
// than the request itself being rejected asynchronously (those surface
// later through the per-subscription response callback, same as any other
// SUBSCRIBE).
func (d *Dispatcher) SubscribeEachPaced(ctx context.Context, targets []sip.Uri, expiry int) error {
	limiter := ratelimit.New(perBuddySubscribeRate)
	for _, target := range targets {
		if err := ratelimit.Wait(ctx, limiter); err != nil {
			return err
		}
		if err := d.Subscribe(ctx, "presence", target, expiry); err != nil {
			return err
		}
	}
	return nil
}

// ResubscribeGroup issues one batched SUBSCRIBE covering every contact in a
// poolFqdn-grouped resubscribe set, routed to that pool's host rather than
// to each contact individually. selfURI is used as both From and To, same
// as the full adhocList batch, since the request targets the pool, not a
// specific buddy.
func (d *Dispatcher) ResubscribeGroup(ctx context.Context, selfURI sip.Uri, poolFqdn string, body []byte, contentType string) error {
	var routed sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s", poolFqdn), &routed); err != nil {
		return fmt.Errorf("subscribe: parsing poolFqdn %q: %w", poolFqdn, err)
	}

	key := subKey("presence", selfURI)
	sub, ok := d.subs[key]
	if !ok {
		sub = &subscription{event: "presence", target: selfURI, expiry: DefaultPresenceExpiry, batched: true}
		d.subs[key] = sub
	}
	sub.cseq++
	req := d.buildSubscribe(sub, withBody(contentType, body))
	req.Recipient = routed

	d.setState(sub, Subscribing)
	return d.sender.Send(ctx, req, func(res *sip.Response, err error) {
		d.handleResponse(ctx, sub, req, res, err)
	})
}
