// Command simpleclient brings up a single SIP/SIMPLE account against an
// OCS/LCS front end: registration, presence subscriptions, and instant
// messaging, logging every lifecycle event to stdout.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ocslcs/sipsimple/internal/account"
	"github.com/ocslcs/sipsimple/internal/auth"
	"github.com/ocslcs/sipsimple/internal/config"
	"github.com/ocslcs/sipsimple/internal/diag"
	"github.com/ocslcs/sipsimple/internal/presence"
	"github.com/ocslcs/sipsimple/internal/registrar"
	"github.com/ocslcs/sipsimple/internal/soap"
	"github.com/ocslcs/sipsimple/internal/store"
	"github.com/ocslcs/sipsimple/internal/subscribe"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting simpleclient",
		"username", cfg.Username,
		"server", cfg.Server,
		"transport", cfg.Transport,
		"diag_addr", cfg.DiagAddr,
	)

	var (
		contactsDB   *store.DB
		resumeSecret []byte
	)
	if cfg.DataDir != "" {
		contactsDB, err = store.Open(cfg.DataDir)
		if err != nil {
			logger.Error("failed to open roaming-contacts cache", "error", err)
			os.Exit(1)
		}
		defer contactsDB.Close()

		resumeSecret, err = loadOrCreateResumeSecret(cfg.DataDir)
		if err != nil {
			logger.Error("failed to load resume token secret", "error", err)
			os.Exit(1)
		}
	}

	host := &cliHost{
		logger:       logger,
		contactsDB:   contactsDB,
		resumeSecret: resumeSecret,
		dataDirPath:  cfg.DataDir,
	}

	acct, err := account.New(cfg, logger, host)
	if err != nil {
		logger.Error("failed to build account", "error", err)
		os.Exit(1)
	}
	host.account = acct

	if resumeSecret != nil {
		if hint, ok := auth.ParseResumeToken(resumeSecret, readResumeToken(cfg.DataDir), acct.AOR(), acct.EPID()); ok {
			logger.Info("resume hint available from last successful run",
				"realm", hint.LastRealm, "scheme", hint.LastScheme)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		acct.Run(ctx)
		close(runDone)
	}()

	if err := acct.Connect(ctx); err != nil {
		logger.Error("failed to connect account", "error", err)
		cancel()
		<-runDone
		os.Exit(1)
	}

	var diagSrv *diag.Server
	diagErrCh := make(chan error, 1)
	if cfg.DiagAddr != "" {
		collector := diag.NewCollector(acct, acct, acct, acct, time.Now())
		diagSrv = diag.NewServer(cfg.DiagAddr, logger, collector)
		go func() {
			if err := diagSrv.ListenAndServe(ctx); err != nil {
				diagErrCh <- err
			}
		}()
		logger.Info("diagnostics server listening", "addr", cfg.DiagAddr)
	}

	go runCommandConsole(ctx, acct, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-diagErrCh:
		logger.Error("diagnostics server error", "error", err)
	}

	cancel()
	<-runDone
	acct.Close()

	logger.Info("simpleclient stopped")
}

// loadOrCreateResumeSecret reads the HMAC key used to sign resume tokens
// from dataDir, generating and persisting a fresh one on first run. The
// secret never leaves the local machine; losing it only costs the next
// run a cold authentication start, nothing more.
func loadOrCreateResumeSecret(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, "resume.key")

	if raw, err := os.ReadFile(path); err == nil {
		secret, decodeErr := hex.DecodeString(string(raw))
		if decodeErr == nil && len(secret) > 0 {
			return secret, nil
		}
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating resume token secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)), 0o600); err != nil {
		return nil, fmt.Errorf("persisting resume token secret: %w", err)
	}
	return secret, nil
}

func resumeTokenPath(dataDir string) string {
	return filepath.Join(dataDir, "resume.token")
}

// readResumeToken returns the last persisted resume token, or "" if none
// exists yet; ParseResumeToken rejects an empty string like any other
// malformed token, which is exactly the desired cold-start behavior.
func readResumeToken(dataDir string) string {
	raw, err := os.ReadFile(resumeTokenPath(dataDir))
	if err != nil {
		return ""
	}
	return string(raw)
}

// cliHost implements account.Host, logging every lifecycle callback and,
// when a data directory is configured, mirroring roaming contacts and
// persisting a resume token hint. None of the persistence is load-bearing:
// with contactsDB/resumeSecret both nil this degrades to logging only.
type cliHost struct {
	logger       *slog.Logger
	account      *account.Account
	contactsDB   *store.DB
	resumeSecret []byte
	dataDirPath  string
}

func (h *cliHost) OnRegistrationStateChange(s registrar.State) {
	h.logger.Info("registration state changed", "state", s)
	if s == registrar.Registered {
		h.persistResumeToken()
	}
}

func (h *cliHost) persistResumeToken() {
	if h.resumeSecret == nil || h.account == nil {
		return
	}
	authState := h.account.RegistrarAuthState()
	token, err := auth.IssueResumeToken(h.resumeSecret, h.account.AOR(), h.account.EPID(), authState.Realm, authState.Kind)
	if err != nil {
		h.logger.Warn("issuing resume token", "error", err)
		return
	}
	if err := os.WriteFile(resumeTokenPath(h.dataDirPath), []byte(token), 0o600); err != nil {
		h.logger.Warn("persisting resume token", "error", err)
	}
}

func (h *cliHost) OnSubscriptionStateChange(event, target string, s subscribe.State) {
	h.logger.Info("subscription state changed", "event", event, "target", target, "state", s)
}

func (h *cliHost) OnIncomingMessage(peerURI string, chatID uint64, multiparty bool, text string) {
	h.logger.Info("incoming message", "from", peerURI, "chat_id", chatID, "multiparty", multiparty)
}

func (h *cliHost) OnUndelivered(peerURI, text, reason string) {
	h.logger.Warn("message undelivered", "to", peerURI, "reason", reason)
}

func (h *cliHost) OnChatOpened(chatID uint64, inviter string) {
	h.logger.Info("chat opened", "chat_id", chatID, "inviter", inviter)
}

func (h *cliHost) OnTypingNotification(peerURI string, composing bool) {
	h.logger.Debug("typing notification", "peer", peerURI, "composing", composing)
}

func (h *cliHost) OnPresenceNotify(contentType string, body []byte) {
	h.logger.Debug("presence notification", "content_type", contentType, "bytes", len(body))
}

func (h *cliHost) OnRoamingContacts(body []byte) {
	h.logger.Debug("roaming contacts notification", "bytes", len(body))
	if h.contactsDB == nil {
		return
	}

	_, contacts, err := soap.DecodeRoamingContacts(body)
	if err != nil {
		h.logger.Warn("decoding roaming contacts notification", "error", err)
		return
	}

	cached := make([]store.Contact, 0, len(contacts))
	for _, c := range contacts {
		ids := make([]string, len(c.GroupIDs))
		for i, id := range c.GroupIDs {
			ids[i] = strconv.Itoa(id)
		}
		cached = append(cached, store.Contact{
			URI:         c.URI,
			DisplayName: c.DisplayName,
			GroupIDs:    strings.Join(ids, ","),
		})
	}

	if err := h.contactsDB.ReplaceAll(context.Background(), cached); err != nil {
		h.logger.Warn("caching roaming contacts", "error", err)
	}
}

func (h *cliHost) OnRoamingSelf(body []byte) {
	h.logger.Debug("roaming self notification", "bytes", len(body))
}

func (h *cliHost) OnRoamingACL(body []byte) {
	h.logger.Debug("roaming ACL notification", "bytes", len(body))
}

func (h *cliHost) OnWatcherPending(body []byte) {
	h.logger.Debug("watcher pending notification", "bytes", len(body))
}

func (h *cliHost) OnRegistrationNotify(body []byte) {
	h.logger.Warn("registration notification", "bytes", len(body))
}

// AuthorizeWatcher decides whether uri may watch this account's presence.
// With no interactive prompt surface in this headless client, a watcher
// already present in the cached roaming contact list is auto-authorized
// (it is already a known buddy); anyone else is denied pending a manual
// setContact/SetWatcherACL call.
func (h *cliHost) AuthorizeWatcher(uri, displayName string) bool {
	if h.contactsDB == nil {
		h.logger.Info("watcher pending authorization, no contacts cache to decide against", "uri", uri, "display_name", displayName)
		return false
	}
	_, known, err := h.contactsDB.Get(context.Background(), uri)
	if err != nil {
		h.logger.Warn("looking up watcher in contacts cache", "uri", uri, "error", err)
		return false
	}
	h.logger.Info("watcher authorization decision", "uri", uri, "display_name", displayName, "allow", known)
	return known
}

func (h *cliHost) OnSubscribeFailed(event, target, reason, diagnostics string) {
	h.logger.Warn("subscription failed", "event", event, "target", target, "reason", reason, "diagnostics", diagnostics)
}

func (h *cliHost) OnRosterManagerChanged(callID, manager string) {
	h.logger.Info("roster manager changed", "call_id", callID, "manager", manager)
}

func (h *cliHost) OnSessionEnded(callID string) {
	h.logger.Info("session ended", "call_id", callID)
}

func (h *cliHost) OnAccountFailed(reason, diagnostics string) {
	h.logger.Error("account failed", "reason", reason, "diagnostics", diagnostics)
}

// runCommandConsole reads line-oriented commands from stdin so an operator
// can drive buddy-list management, presence publication, and IM from the
// running process: "addgroup NAME", "modifygroup ID NAME", "deletegroup ID",
// "setcontact URI NAME [ID,ID,...]", "deletecontact URI", "ace URI
// allow|block", "dirsearch ATTR=VALUE [ATTR=VALUE...]",
// "presence ACTIVITY [NOTE...]", "im URI TEXT...". EOF on stdin (a
// non-interactive run) ends the loop quietly.
func runCommandConsole(ctx context.Context, acct *account.Account, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if err := dispatchCommand(ctx, acct, fields); err != nil {
			logger.Warn("command failed", "command", fields[0], "error", err)
		}
	}
}

func dispatchCommand(ctx context.Context, acct *account.Account, fields []string) error {
	switch fields[0] {
	case "addgroup":
		if len(fields) < 2 {
			return fmt.Errorf("usage: addgroup NAME")
		}
		return acct.AddGroup(ctx, strings.Join(fields[1:], " "))

	case "modifygroup":
		if len(fields) < 3 {
			return fmt.Errorf("usage: modifygroup ID NAME")
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid group id %q: %w", fields[1], err)
		}
		return acct.ModifyGroup(ctx, id, strings.Join(fields[2:], " "))

	case "deletegroup":
		if len(fields) != 2 {
			return fmt.Errorf("usage: deletegroup ID")
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid group id %q: %w", fields[1], err)
		}
		return acct.DeleteGroup(ctx, id)

	case "setcontact":
		if len(fields) < 3 {
			return fmt.Errorf("usage: setcontact URI NAME [GROUPID,...]")
		}
		uri, name := fields[1], fields[2]
		var groupIDs []int
		if len(fields) > 3 {
			for _, raw := range strings.Split(fields[3], ",") {
				id, err := strconv.Atoi(raw)
				if err != nil {
					return fmt.Errorf("invalid group id %q: %w", raw, err)
				}
				groupIDs = append(groupIDs, id)
			}
		}
		return acct.SetContact(ctx, uri, name, groupIDs)

	case "deletecontact":
		if len(fields) != 2 {
			return fmt.Errorf("usage: deletecontact URI")
		}
		return acct.DeleteContact(ctx, fields[1])

	case "ace":
		if len(fields) != 3 {
			return fmt.Errorf("usage: ace URI allow|block")
		}
		var allow bool
		switch strings.ToLower(fields[2]) {
		case "allow":
			allow = true
		case "block":
			allow = false
		default:
			return fmt.Errorf("invalid ace action %q, want allow or block", fields[2])
		}
		return acct.SetWatcherACL(ctx, fields[1], allow)

	case "dirsearch":
		if len(fields) < 2 {
			return fmt.Errorf("usage: dirsearch ATTR=VALUE [ATTR=VALUE...]")
		}
		var attrs []soap.DirectoryAttribute
		for _, raw := range fields[1:] {
			name, value, ok := strings.Cut(raw, "=")
			if !ok {
				return fmt.Errorf("invalid attribute %q, want ATTR=VALUE", raw)
			}
			attrs = append(attrs, soap.DirectoryAttribute{Name: name, Value: value})
		}
		return acct.DirectorySearch(ctx, attrs)

	case "presence":
		if len(fields) < 2 {
			return fmt.Errorf("usage: presence ACTIVITY [NOTE...]")
		}
		act, ok := parseActivity(fields[1])
		if !ok {
			return fmt.Errorf("unknown activity %q", fields[1])
		}
		return acct.PublishPresence(ctx, act, strings.Join(fields[2:], " "))

	case "im":
		if len(fields) < 3 {
			return fmt.Errorf("usage: im URI TEXT...")
		}
		return acct.SendIM(ctx, fields[1], strings.Join(fields[2:], " "))

	default:
		return fmt.Errorf("unrecognized command %q", fields[0])
	}
}

func parseActivity(s string) (presence.Activity, bool) {
	switch strings.ToLower(s) {
	case "available":
		return presence.Available, true
	case "away":
		return presence.Away, true
	case "berightback", "brb":
		return presence.BeRightBack, true
	case "busy":
		return presence.Busy, true
	case "donotdisturb", "dnd":
		return presence.DoNotDisturb, true
	case "onthephone":
		return presence.OnThePhone, true
	case "outtolunch":
		return presence.OutToLunch, true
	case "invisible":
		return presence.Invisible, true
	case "offline":
		return presence.Offline, true
	default:
		return presence.Unknown, false
	}
}
