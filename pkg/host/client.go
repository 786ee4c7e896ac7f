package host

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/flashline-dev/flashline/internal/framing"
	"github.com/flashline-dev/flashline/internal/protocol"
)

// Client speaks the bootloader protocol over a byte-oriented transport,
// one exchange at a time. Line NAKs (the frame did not survive the wire in
// either direction) are retried; protocol rejections are returned to the
// caller as errors.
type Client struct {
	rw      io.ReadWriter
	log     *slog.Logger
	retries int

	pending []byte // bytes read past the last terminator
	params  *protocol.Parameters
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger attaches a logger for exchange-level diagnostics.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithRetries sets how many times an exchange is repeated after a line NAK.
func WithRetries(n int) ClientOption {
	return func(c *Client) { c.retries = n }
}

// NewClient creates a client on rw, typically an open serial port.
func NewClient(rw io.ReadWriter, opts ...ClientOption) *Client {
	c := &Client{
		rw:      rw,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		retries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Exchange sends one request and returns the peer's response. A LineNak
// from the device, or a reply that arrives garbled, is retried up to the
// configured count; a protocol rejection is returned as the error it is.
func (c *Client) Exchange(req protocol.Request) (protocol.Response, error) {
	frame := framing.Encode(protocol.AppendRequest(nil, req))

	for attempt := 0; ; attempt++ {
		if _, err := c.rw.Write(frame); err != nil {
			return nil, fmt.Errorf("write request: %w", err)
		}

		body, err := c.readFrame()
		if err != nil {
			return nil, err
		}

		payload, err := framing.DecodeInPlace(body)
		if err == nil {
			var resp protocol.Response
			var rerr protocol.ResponseError
			if resp, rerr, _, err = protocol.TakeResult(payload); err == nil {
				if nak, isNak := rerr.(protocol.LineNak); isNak && attempt < c.retries {
					c.log.Warn("device nak, retrying", "attempt", attempt+1, "reason", nak.Err)
					continue
				}
				if rerr != nil {
					return nil, rerr
				}
				return resp, nil
			}
		}

		// The reply itself was garbled on the way back.
		if attempt < c.retries {
			c.log.Warn("garbled reply, retrying", "attempt", attempt+1, "err", err)
			continue
		}
		return nil, fmt.Errorf("reply did not decode after %d attempts: %w", attempt+1, err)
	}
}

// readFrame accumulates transport bytes until a frame terminator and
// returns the frame body. Bytes past the terminator are kept for the next
// call.
func (c *Client) readFrame() ([]byte, error) {
	tmp := make([]byte, 256)
	for {
		if i := bytes.IndexByte(c.pending, framing.Terminator); i >= 0 {
			body := append([]byte(nil), c.pending[:i]...)
			c.pending = c.pending[i+1:]
			return body, nil
		}
		n, err := c.rw.Read(tmp)
		c.pending = append(c.pending, tmp[:n]...)
		if err != nil {
			return nil, fmt.Errorf("read reply: %w", err)
		}
	}
}

func unexpectedResponse(resp protocol.Response) error {
	return fmt.Errorf("unexpected response %T", resp)
}

// Ping round-trips a value through the device.
func (c *Client) Ping(value uint32) error {
	resp, err := c.Exchange(protocol.Ping{Value: value})
	if err != nil {
		return err
	}
	pong, ok := resp.(protocol.Pong)
	if !ok {
		return unexpectedResponse(resp)
	}
	if pong.Value != value {
		return fmt.Errorf("pong value mismatch: sent %d, got %d", value, pong.Value)
	}
	return nil
}

// Parameters fetches the device's static configuration. The first result
// is cached for the lifetime of the client.
func (c *Client) Parameters() (protocol.Parameters, error) {
	if c.params != nil {
		return *c.params, nil
	}
	resp, err := c.Exchange(protocol.GetParameters{})
	if err != nil {
		return protocol.Parameters{}, err
	}
	pr, ok := resp.(protocol.ParametersResponse)
	if !ok {
		return protocol.Parameters{}, unexpectedResponse(resp)
	}
	c.params = &pr.Params
	return pr.Params, nil
}

// Status fetches the device's session progress.
func (c *Client) Status() (protocol.Status, error) {
	resp, err := c.Exchange(protocol.GetStatus{})
	if err != nil {
		return protocol.Status{}, err
	}
	sr, ok := resp.(protocol.StatusResponse)
	if !ok {
		return protocol.Status{}, unexpectedResponse(resp)
	}
	return sr.Status, nil
}

// Settings fetches the raw settings page, header included.
func (c *Client) Settings() ([]byte, error) {
	resp, err := c.Exchange(protocol.GetSettings{})
	if err != nil {
		return nil, err
	}
	sr, ok := resp.(protocol.SettingsResponse)
	if !ok {
		return nil, unexpectedResponse(resp)
	}
	return sr.Data, nil
}

// WriteSettings replaces the device's settings block.
func (c *Client) WriteSettings(data []byte) error {
	resp, err := c.Exchange(protocol.WriteSettings{Data: data})
	if err != nil {
		return err
	}
	sa, ok := resp.(protocol.SettingsAccepted)
	if !ok {
		return unexpectedResponse(resp)
	}
	if sa.DataLen != uint32(len(data)) {
		return fmt.Errorf("settings length mismatch: wrote %d, device saw %d", len(data), sa.DataLen)
	}
	return nil
}

// ReadRange reads length bytes of flash starting at start. Reads larger
// than the device's read limit are split into multiple exchanges.
func (c *Client) ReadRange(start, length uint32) ([]byte, error) {
	params, err := c.Parameters()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	for length > 0 {
		step := min(length, params.ReadMax)
		resp, err := c.Exchange(protocol.ReadRange{StartAddr: start, Len: step})
		if err != nil {
			return nil, err
		}
		rr, ok := resp.(protocol.ReadRangeResponse)
		if !ok {
			return nil, unexpectedResponse(resp)
		}
		if uint32(len(rr.Data)) != step {
			return nil, fmt.Errorf("short read at %#x: asked %d, got %d", start, step, len(rr.Data))
		}
		out = append(out, rr.Data...)
		start += step
		length -= step
	}
	return out, nil
}

// Abort tears down the device's in-progress session, if any.
func (c *Client) Abort() error {
	resp, err := c.Exchange(protocol.AbortBootload{})
	if err != nil {
		return err
	}
	if _, ok := resp.(protocol.BootloadAborted); !ok {
		return unexpectedResponse(resp)
	}
	return nil
}

// IsBootable asks the device for its image validity verdict.
func (c *Client) IsBootable() (protocol.Bootable, error) {
	resp, err := c.Exchange(protocol.IsBootable{})
	if err != nil {
		return protocol.Bootable{}, err
	}
	bs, ok := resp.(protocol.BootableStatus)
	if !ok {
		return protocol.Bootable{}, unexpectedResponse(resp)
	}
	return bs.Status, nil
}

// Boot commands the device to leave the bootloader. The device jumps right
// after the returned confirmation drains, so this is usually the last
// exchange on the link.
func (c *Client) Boot(cmd protocol.BootCommand) (protocol.ConfirmBootCmd, error) {
	resp, err := c.Exchange(protocol.Boot{Command: cmd})
	if err != nil {
		return protocol.ConfirmBootCmd{}, err
	}
	cb, ok := resp.(protocol.ConfirmBootCmd)
	if !ok {
		return protocol.ConfirmBootCmd{}, unexpectedResponse(resp)
	}
	return cb, nil
}
