// Package imapx wraps go-imap/v2 connections to the local and remote
// IMAP servers with the operations mailpin needs: UID search, envelope
// and raw fetches, CONDSTORE flag polling, append, and IDLE.
package imapx

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Client encapsulates one IMAP connection bound to a single mailbox.
type Client struct {
	Addr      string
	Username  string
	Password  string
	Mailbox   string
	TLSConfig *tls.Config

	// UnilateralDataHandler receives server-pushed updates and must be
	// set before Connect.
	UnilateralDataHandler *imapclient.UnilateralDataHandler

	client   *imapclient.Client
	selected *imap.SelectData
}

// Connect establishes the IMAP connection, logs in, and selects the mailbox.
func (c *Client) Connect() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("IMAP address is required")
	}
	if strings.TrimSpace(c.Username) == "" || strings.TrimSpace(c.Password) == "" {
		return errors.New("IMAP credentials are required")
	}
	if strings.TrimSpace(c.Mailbox) == "" {
		c.Mailbox = "INBOX"
	}

	var options *imapclient.Options
	if c.TLSConfig != nil || c.UnilateralDataHandler != nil {
		options = &imapclient.Options{
			TLSConfig:             c.TLSConfig,
			UnilateralDataHandler: c.UnilateralDataHandler,
		}
	}

	client, err := imapclient.DialTLS(c.Addr, options)
	if err != nil {
		return err
	}

	if err := client.Login(c.Username, c.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return err
	}

	selected, err := client.Select(c.Mailbox, nil).Wait()
	if err != nil {
		_ = client.Logout().Wait()
		return err
	}

	c.client = client
	c.selected = selected
	return nil
}

// Close logs out and clears the connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Logout().Wait()
	c.client = nil
	c.selected = nil
	return err
}

// Selected returns the SELECT response for the bound mailbox, carrying
// UIDVALIDITY, UIDNEXT, and HIGHESTMODSEQ.
func (c *Client) Selected() *imap.SelectData {
	return c.selected
}

// SelectMailbox switches the connection to another mailbox.
func (c *Client) SelectMailbox(name string) (*imap.SelectData, error) {
	if c.client == nil {
		return nil, errors.New("IMAP client is not connected")
	}
	selected, err := c.client.Select(name, nil).Wait()
	if err != nil {
		return nil, err
	}
	c.Mailbox = name
	c.selected = selected
	return selected, nil
}

// SearchUIDs runs a UID SEARCH and returns the matching UIDs.
func (c *Client) SearchUIDs(ctx context.Context, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	if c.client == nil {
		return nil, errors.New("IMAP client is not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	return data.AllUIDs(), nil
}

// FetchMeta fetches envelope, flags, and body structure for the given UIDs.
func (c *Client) FetchMeta(ctx context.Context, uids []imap.UID) ([]*imapclient.FetchMessageBuffer, error) {
	if c.client == nil {
		return nil, errors.New("IMAP client is not connected")
	}
	if len(uids) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fetchOptions := &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	}
	return c.client.Fetch(uidSet(uids), fetchOptions).Collect()
}

// FetchRaw fetches the full RFC 5322 source of the given UIDs without
// touching the \Seen flag.
func (c *Client) FetchRaw(ctx context.Context, uids []imap.UID) (map[imap.UID][]byte, error) {
	if c.client == nil {
		return nil, errors.New("IMAP client is not connected")
	}
	if len(uids) == 0 {
		return map[imap.UID][]byte{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	msgs, err := c.client.Fetch(uidSet(uids), fetchOptions).Collect()
	if err != nil {
		return nil, err
	}

	out := make(map[imap.UID][]byte, len(msgs))
	for _, buf := range msgs {
		if raw := buf.FindBodySection(bodySection); raw != nil {
			out[buf.UID] = raw
		}
	}
	return out, nil
}

// FetchChangedSince returns UIDs and flags of messages whose state
// changed after the given MODSEQ. The server must support CONDSTORE.
func (c *Client) FetchChangedSince(ctx context.Context, modSeq uint64) ([]*imapclient.FetchMessageBuffer, error) {
	if c.client == nil {
		return nil, errors.New("IMAP client is not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all imap.UIDSet
	all.AddRange(1, 0)
	fetchOptions := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		ChangedSince: modSeq,
	}
	return c.client.Fetch(all, fetchOptions).Collect()
}

// StoreFlags applies a flag change to the given UIDs.
func (c *Client) StoreFlags(ctx context.Context, uids []imap.UID, op imap.StoreFlagsOp, flags []imap.Flag) error {
	if c.client == nil {
		return errors.New("IMAP client is not connected")
	}
	if len(uids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	store := imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  flags,
	}
	return c.client.Store(uidSet(uids), &store, nil).Close()
}

// Append writes a raw message into a mailbox and returns the assigned
// UID when the server reports one.
func (c *Client) Append(ctx context.Context, mailbox string, raw []byte, flags []imap.Flag, date time.Time) (imap.UID, error) {
	if c.client == nil {
		return 0, errors.New("IMAP client is not connected")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	options := &imap.AppendOptions{Flags: flags}
	if !date.IsZero() {
		options.Time = date
	}

	appendCmd := c.client.Append(mailbox, int64(len(raw)), options)
	if _, err := appendCmd.Write(raw); err != nil {
		_ = appendCmd.Close()
		return 0, err
	}
	if err := appendCmd.Close(); err != nil {
		return 0, err
	}
	data, err := appendCmd.Wait()
	if err != nil {
		return 0, err
	}
	return data.UID, nil
}

// Idle starts an IDLE command. Callers stop it with Close on the
// returned command.
func (c *Client) Idle() (*imapclient.IdleCommand, error) {
	if c.client == nil {
		return nil, errors.New("IMAP client is not connected")
	}
	return c.client.Idle()
}

// Noop keeps the connection alive.
func (c *Client) Noop() error {
	if c.client == nil {
		return errors.New("IMAP client is not connected")
	}
	return c.client.Noop().Wait()
}

// Status queries a mailbox without selecting it.
func (c *Client) Status(mailbox string) (*imap.StatusData, error) {
	if c.client == nil {
		return nil, errors.New("IMAP client is not connected")
	}
	return c.client.Status(mailbox, &imap.StatusOptions{
		NumMessages: true,
		NumUnseen:   true,
		UIDNext:     true,
		UIDValidity: true,
	}).Wait()
}

// ListMailboxes lists all mailboxes with their attributes.
func (c *Client) ListMailboxes() ([]*imap.ListData, error) {
	if c.client == nil {
		return nil, errors.New("IMAP client is not connected")
	}
	return c.client.List("", "*", &imap.ListOptions{
		ReturnSpecialUse: true,
	}).Collect()
}

func uidSet(uids []imap.UID) imap.UIDSet {
	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(uid)
	}
	return set
}
