// Package watch keeps an IDLE connection on the remote inbox and
// triggers a sync run whenever the server reports new mail.
package watch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	imapclientv2 "github.com/emersion/go-imap/v2/imapclient"

	"github.com/mailpin/mailpin/internal/imapx"
)

// idleTimeout bounds each IDLE cycle; RFC 2177 requires a restart at
// least every 29 minutes.
const idleTimeout = 25 * time.Minute

type Deps struct {
	Ctx  context.Context
	Log  *slog.Logger
	Sync func(context.Context) error
}

type State struct {
	LastCount uint32
}

// ProcessUpdate reacts to an EXISTS update from the server. A grown
// message count triggers a sync run.
func ProcessUpdate(deps Deps, state *State, newCount uint32) error {
	if newCount > state.LastCount {
		deps.Log.Info("new mail detected", "messages", newCount)
		if deps.Sync != nil {
			if err := deps.Sync(deps.Ctx); err != nil {
				return err
			}
		}
	}
	state.LastCount = newCount
	return nil
}

func IsBenignIdleError(err error) bool {
	if err == nil {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// Runner drives the IDLE loop against one remote mailbox.
type Runner struct {
	Client  *imapx.Client
	Mailbox string
	Deps    Deps

	// ReconnectDelay is the wait before redialing a dropped
	// connection.
	ReconnectDelay time.Duration
}

// NewUpdateHandler returns a handler that forwards mailbox EXISTS
// counts into the given channel, dropping updates when one is already
// pending.
func NewUpdateHandler(updateCh chan<- uint32) *imapclientv2.UnilateralDataHandler {
	return &imapclientv2.UnilateralDataHandler{
		Mailbox: func(data *imapclientv2.UnilateralDataMailbox) {
			if data.NumMessages == nil {
				return
			}
			select {
			case updateCh <- *data.NumMessages:
			default:
			}
		},
	}
}

// Run watches the mailbox until the context is cancelled. The client
// must have been created with NewUpdateHandler wired to updateCh.
func (r *Runner) Run(updateCh <-chan uint32) error {
	ctx := r.Deps.Ctx
	delay := r.ReconnectDelay
	if delay == 0 {
		delay = 30 * time.Second
	}

	state := &State{}
	if sel := r.Client.Selected(); sel != nil {
		state.LastCount = sel.NumMessages
	}
	r.Deps.Log.Info("watching mailbox", "mailbox", r.Mailbox, "messages", state.LastCount)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		idleCmd, err := r.Client.Idle()
		if err != nil {
			if !IsBenignIdleError(err) {
				r.Deps.Log.Warn("idle failed, reconnecting", "error", err)
			}
			if err := r.reconnect(ctx, delay); err != nil {
				return err
			}
			continue
		}

		timer := time.NewTimer(idleTimeout)
		select {
		case newCount := <-updateCh:
			timer.Stop()
			_ = idleCmd.Close()
			if err := idleCmd.Wait(); err != nil && !IsBenignIdleError(err) {
				r.Deps.Log.Warn("idle ended with error", "error", err)
			}
			if err := ProcessUpdate(r.Deps, state, newCount); err != nil {
				r.Deps.Log.Error("sync after update failed", "error", err)
			}
		case <-timer.C:
			// restart IDLE to keep the connection alive
			_ = idleCmd.Close()
			if err := idleCmd.Wait(); err != nil && !IsBenignIdleError(err) {
				if err := r.reconnect(ctx, delay); err != nil {
					return err
				}
				continue
			}
			// a NOOP proves the connection survived the idle cycle
			if err := r.Client.Noop(); err != nil {
				if err := r.reconnect(ctx, delay); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			timer.Stop()
			_ = idleCmd.Close()
			_ = idleCmd.Wait()
			return ctx.Err()
		}
	}
}

func (r *Runner) reconnect(ctx context.Context, delay time.Duration) error {
	_ = r.Client.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.Client.Connect(); err == nil {
			if _, err := r.Client.SelectMailbox(r.Mailbox); err == nil {
				r.Deps.Log.Info("reconnected", "mailbox", r.Mailbox)
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
