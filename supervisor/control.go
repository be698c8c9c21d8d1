// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/holdfast/lib/codec"
	"github.com/bureau-foundation/holdfast/lib/service"
)

// Control socket action names.
const (
	ActionStatus  = "status"
	ActionList    = "list"
	ActionCreate  = "create"
	ActionDestroy = "destroy"
)

// ListResult is the data of a "list" response.
type ListResult struct {
	Sessions []SessionStatus `json:"sessions"`
}

// DestroyRequest is the body of a "destroy" request.
type DestroyRequest struct {
	SessionID string `cbor:"session_id"`
}

// RegisterActions installs the supervisor's control actions on server.
// While reconciling, every action except "status" fails with the
// message "reconciling".
func (s *Supervisor) RegisterActions(server *service.SocketServer) {
	server.Handle(ActionStatus, func(ctx context.Context, raw []byte) (any, error) {
		return s.Status(), nil
	})

	server.Handle(ActionList, func(ctx context.Context, raw []byte) (any, error) {
		sessions, err := s.List(ctx)
		if err != nil {
			return nil, err
		}
		return ListResult{Sessions: sessions}, nil
	})

	server.Handle(ActionCreate, func(ctx context.Context, raw []byte) (any, error) {
		var request CreateRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid create request: %w", err)
		}
		return s.Create(ctx, request)
	})

	server.Handle(ActionDestroy, func(ctx context.Context, raw []byte) (any, error) {
		var request DestroyRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid destroy request: %w", err)
		}
		if request.SessionID == "" {
			return nil, fmt.Errorf("missing required field: session_id")
		}
		return nil, s.Destroy(ctx, request.SessionID)
	})
}
