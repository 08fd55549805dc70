// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ami-project/ami/lib/codec"
)

// dialTimeout bounds connecting to the manager.
const dialTimeout = 5 * time.Second

// ReplyError is returned by Client methods when the manager replies
// with status "error".
type ReplyError struct {
	Command string
	Status  Status
	Reason  string
}

func (e *ReplyError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("manager replied %s to %q", e.Status, e.Command)
	}
	return fmt.Sprintf("manager replied %s to %q: %s", e.Status, e.Command, e.Reason)
}

// errBroken is returned by calls on a client whose connection failed
// mid-request.
var errBroken = errors.New("control-plane connection is broken")

// Client is a persistent connection to the control-plane server.
// Calls are serialized: each waits for its reply before the next
// request is written. Safe for concurrent use.
type Client struct {
	address string

	mu      sync.Mutex
	conn    net.Conn
	encoder *codec.Encoder
	decoder *codec.Decoder
	broken  bool
}

// Dial connects to the control-plane server at address.
func Dial(ctx context.Context, address string) (*Client, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connecting to manager at %s: %w", address, err)
	}
	return &Client{
		address: address,
		conn:    conn,
		encoder: codec.NewEncoder(conn),
		decoder: codec.NewDecoder(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one request and returns the raw response. A reply with
// status "error" is returned as a response, not an error. payload
// may be nil; a codec.RawMessage is sent verbatim.
func (c *Client) Call(ctx context.Context, command string, payload any) (Response, error) {
	request := Request{Command: command}
	if payload != nil {
		encoded, err := codec.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("encoding %q payload: %w", command, err)
		}
		request.Payload = encoded
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return Response{}, errBroken
	}

	expired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
		close(expired)
	})
	defer func() {
		if !stop() {
			<-expired
		}
		c.conn.SetDeadline(time.Time{})
	}()

	var response Response
	err := c.encoder.Encode(request)
	if err == nil {
		err = c.decoder.Decode(&response)
	}
	if err != nil {
		// The stream may hold a partial frame or an unread reply.
		c.broken = true
		c.conn.Close()
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		return Response{}, fmt.Errorf("calling %q on %s: %w", command, c.address, err)
	}
	return response, nil
}

// call runs Call and converts an error status into *ReplyError.
func (c *Client) call(ctx context.Context, command string, payload any) (codec.RawMessage, error) {
	response, err := c.Call(ctx, command, payload)
	if err != nil {
		return nil, err
	}
	if response.Status != StatusOK {
		return nil, &ReplyError{Command: command, Status: response.Status, Reason: response.Reason}
	}
	return response.Payload, nil
}

// GetFeatures returns the name-to-descriptor map of stored results.
func (c *Client) GetFeatures(ctx context.Context) (map[string]string, error) {
	payload, err := c.call(ctx, CommandGetFeatures, nil)
	if err != nil {
		return nil, err
	}
	features := make(map[string]string)
	if err := codec.Unmarshal(payload, &features); err != nil {
		return nil, fmt.Errorf("decoding features: %w", err)
	}
	return features, nil
}

// GetGraph returns the current graph as raw CBOR.
func (c *Client) GetGraph(ctx context.Context) (codec.RawMessage, error) {
	return c.call(ctx, CommandGetGraph, nil)
}

// SetGraph replaces the graph and waits for distribution to finish.
// graph is CBOR-encoded unless it is already a codec.RawMessage.
func (c *Client) SetGraph(ctx context.Context, graph any) error {
	if graph == nil {
		return errors.New("set_graph requires a graph")
	}
	_, err := c.call(ctx, CommandSetGraph, graph)
	return err
}

// Feature runs a feature request and returns the stored data.
func (c *Client) Feature(ctx context.Context, name string) ([]byte, error) {
	payload, err := c.call(ctx, FeaturePrefix+name, nil)
	if err != nil {
		return nil, err
	}
	var data []byte
	if err := codec.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("decoding feature %q: %w", name, err)
	}
	return data, nil
}
