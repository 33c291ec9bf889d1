package sidecar

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
)

const maxLineSize = 10 * 1024 * 1024

// Encoder writes newline-delimited JSON-RPC messages.
type Encoder struct {
	w *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one message followed by a newline.
func (e *Encoder) Encode(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Frame is one JSON-RPC message read back from the sidecar. Exactly one of
// Result or Error is set on responses; notifications carry Method instead.
type Frame struct {
	JSONRPC string                   `json:"jsonrpc"`
	ID      mcp.RequestId            `json:"id"`
	Method  string                   `json:"method,omitempty"`
	Result  json.RawMessage          `json:"result,omitempty"`
	Error   *mcp.JSONRPCErrorDetails `json:"error,omitempty"`
}

// Decoder reads newline-delimited frames. Lines that are not JSON objects,
// such as banners or help text, are kept in Noise.
type Decoder struct {
	sc    *bufio.Scanner
	Noise []string
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{sc: sc}
}

// Next returns the next frame or io.EOF.
func (d *Decoder) Next() (*Frame, error) {
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			d.Noise = append(d.Noise, string(line))
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			d.Noise = append(d.Noise, string(line))
			continue
		}
		return &f, nil
	}
	if err := d.sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	return nil, io.EOF
}
