// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/bureau-foundation/chatrelay/lib/netutil"
)

// Session is an authenticated Matrix session. Sessions share their
// Client's transport and limiter and are safe for concurrent use.
type Session struct {
	client      *Client
	userID      string
	accessToken string
}

// UserID returns the user ID the session was created for.
func (s *Session) UserID() string {
	return s.userID
}

// CloseIdleConnections drops pooled connections of the parent Client.
func (s *Session) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

func (s *Session) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return s.client.doRequest(ctx, request{
		method:      http.MethodGet,
		path:        path,
		query:       query,
		accessToken: s.accessToken,
	})
}

func (s *Session) send(ctx context.Context, method, path string, body any) ([]byte, error) {
	return s.client.doRequest(ctx, request{
		method:      method,
		path:        path,
		accessToken: s.accessToken,
		jsonBody:    body,
	})
}

// WhoAmI validates the access token and returns the user ID it belongs to.
func (s *Session) WhoAmI(ctx context.Context) (string, error) {
	body, err := s.get(ctx, "/_matrix/client/v3/account/whoami", nil)
	if err != nil {
		return "", fmt.Errorf("messaging: whoami failed: %w", err)
	}
	var response whoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// GetDisplayName fetches a user's profile display name. A user without
// one yields "" and no error.
func (s *Session) GetDisplayName(ctx context.Context, userID string) (string, error) {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID) + "/displayname"
	body, err := s.get(ctx, path, nil)
	if err != nil {
		if IsMatrixError(err, ErrCodeNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("messaging: get display name for %q failed: %w", userID, err)
	}
	var response displayNameResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse display name response: %w", err)
	}
	return response.DisplayName, nil
}

// JoinRoom joins a room by ID or alias and returns the room ID.
func (s *Session) JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomIDOrAlias)
	body, err := s.send(ctx, http.MethodPost, path, struct{}{})
	if err != nil {
		return "", fmt.Errorf("messaging: join room %s failed: %w", roomIDOrAlias, err)
	}
	var response struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// JoinedRooms lists the rooms the user has joined.
func (s *Session) JoinedRooms(ctx context.Context) ([]string, error) {
	body, err := s.get(ctx, "/_matrix/client/v3/joined_rooms", nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined rooms failed: %w", err)
	}
	var response joinedRoomsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// JoinedMembers returns the joined members of a room mapped to their
// room display names.
func (s *Session) JoinedMembers(ctx context.Context, roomID string) (map[string]string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/joined_members", url.PathEscape(roomID))
	body, err := s.get(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined members of %q failed: %w", roomID, err)
	}
	var response joinedMembersResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined members response: %w", err)
	}
	members := make(map[string]string, len(response.Joined))
	for userID, member := range response.Joined {
		members[userID] = member.DisplayName
	}
	return members, nil
}

// Sync performs one /sync call. Leave options.Since empty for the
// initial sync; set Timeout and SetTimeout to long-poll.
func (s *Session) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.get(ctx, "/_matrix/client/v3/sync", query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}
	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// GetEvent fetches a single event by ID.
func (s *Session) GetEvent(ctx context.Context, roomID, eventID string) (*Event, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/event/%s", url.PathEscape(roomID), url.PathEscape(eventID))
	body, err := s.get(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get event %s in %q failed: %w", eventID, roomID, err)
	}
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse event response: %w", err)
	}
	if event.RoomID == "" {
		event.RoomID = roomID
	}
	return &event, nil
}

// RoomMessages pages through a room's timeline.
func (s *Session) RoomMessages(ctx context.Context, roomID string, options RoomMessagesOptions) (*RoomMessagesResponse, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/messages", url.PathEscape(roomID))

	query := url.Values{}
	if options.From != "" {
		query.Set("from", options.From)
	}
	direction := options.Direction
	if direction == "" {
		direction = "b"
	}
	query.Set("dir", direction)
	if options.Limit > 0 {
		query.Set("limit", strconv.Itoa(options.Limit))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.get(ctx, path, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: room messages for %q failed: %w", roomID, err)
	}
	var response RoomMessagesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse messages response: %w", err)
	}
	for index := range response.Chunk {
		if response.Chunk[index].RoomID == "" {
			response.Chunk[index].RoomID = roomID
		}
	}
	return &response, nil
}

// EventContext returns events around eventID. Limit bounds the events
// returned on both sides together; filter is a JSON RoomEventFilter.
func (s *Session) EventContext(ctx context.Context, roomID, eventID string, limit int, filter string) (*EventContextResponse, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/context/%s", url.PathEscape(roomID), url.PathEscape(eventID))
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if filter != "" {
		query.Set("filter", filter)
	}

	body, err := s.get(ctx, path, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: context of %s in %q failed: %w", eventID, roomID, err)
	}
	var response EventContextResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse context response: %w", err)
	}
	for index := range response.EventsBefore {
		if response.EventsBefore[index].RoomID == "" {
			response.EventsBefore[index].RoomID = roomID
		}
	}
	return &response, nil
}

// SendMessage sends an m.room.message and returns its event ID. Each
// call uses a fresh transaction ID.
func (s *Session) SendMessage(ctx context.Context, roomID string, content MessageContent) (string, error) {
	return s.SendEvent(ctx, roomID, EventTypeMessage, content)
}

// EditMessage replaces the content of eventID with replacement and
// returns the event ID of the edit.
func (s *Session) EditMessage(ctx context.Context, roomID, eventID string, replacement MessageContent) (string, error) {
	eventIDOfEdit, err := s.SendEvent(ctx, roomID, EventTypeMessage, NewEdit(eventID, replacement))
	if err != nil {
		return "", fmt.Errorf("messaging: edit of %s: %w", eventID, err)
	}
	return eventIDOfEdit, nil
}

// SendEvent sends a timeline event of the given type.
func (s *Session) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID),
		url.PathEscape(eventType),
		url.PathEscape(uuid.NewString()),
	)
	body, err := s.send(ctx, http.MethodPut, path, content)
	if err != nil {
		return "", fmt.Errorf("messaging: send %s to %q failed: %w", eventType, roomID, err)
	}
	var response sendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// Media is a downloaded attachment.
type Media struct {
	ContentType string
	Data        []byte
}

// DownloadMedia fetches an mxc:// URI, reading at most maxBytes. It
// uses the authenticated media endpoint and falls back to the legacy
// unauthenticated one on homeservers that do not recognize it.
func (s *Session) DownloadMedia(ctx context.Context, mxcURI string, maxBytes int64) (*Media, error) {
	serverName, mediaID, err := parseMXC(mxcURI)
	if err != nil {
		return nil, err
	}
	suffix := url.PathEscape(serverName) + "/" + url.PathEscape(mediaID)

	response, err := s.client.doRaw(ctx, request{
		method:      http.MethodGet,
		path:        "/_matrix/client/v1/media/download/" + suffix,
		accessToken: s.accessToken,
	})
	if IsMatrixError(err, ErrCodeUnrecognized) || IsMatrixError(err, ErrCodeNotFound) {
		response, err = s.client.doRaw(ctx, request{
			method:      http.MethodGet,
			path:        "/_matrix/media/v3/download/" + suffix,
			accessToken: s.accessToken,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("messaging: download %s failed: %w", mxcURI, err)
	}
	defer response.Body.Close()

	data, err := netutil.ReadLimited(response.Body, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("messaging: reading %s: %w", mxcURI, err)
	}
	contentType := response.Header.Get("Content-Type")
	return &Media{ContentType: contentType, Data: data}, nil
}

// parseMXC splits "mxc://server/media" into its parts.
func parseMXC(uri string) (serverName, mediaID string, err error) {
	rest, found := strings.CutPrefix(uri, "mxc://")
	if !found {
		return "", "", fmt.Errorf("messaging: %q is not an mxc:// URI", uri)
	}
	serverName, mediaID, found = strings.Cut(rest, "/")
	if !found || serverName == "" || mediaID == "" || strings.Contains(mediaID, "/") {
		return "", "", fmt.Errorf("messaging: malformed mxc URI %q", uri)
	}
	return serverName, mediaID, nil
}
