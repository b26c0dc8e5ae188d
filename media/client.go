// Package media is the HTTP client for the external media-server control
// API. The signaling core only provisions and tears down rooms/members
// here; all media transport happens elsewhere.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultRequestTimeout = 10 * time.Second

var (
	ErrRoomNotFound = errors.New("media room not found")
	ErrControlAPI   = errors.New("media control api error")
)

// RoomSpec is the pipeline description sent on room creation.
type RoomSpec struct {
	ID       string `json:"id"`
	Pipeline string `json:"pipeline"`
}

// RoomInfo is the control API's view of an existing room.
type RoomInfo struct {
	ID       string   `json:"id"`
	Pipeline string   `json:"pipeline"`
	Members  []Member `json:"members,omitempty"`
}

// Member describes one provisioned endpoint pair within a media room.
type Member struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	PlayEndpointID    string `json:"play_endpoint_id"`
	PublishEndpointID string `json:"publish_endpoint_id"`
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

func NewClient(baseURL string, logger *zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultRequestTimeout},
		logger:  logger.With().Str("component", "media-client").Logger(),
	}
}

// GetRoom probes the control API for an existing room. A 4xx is reported
// as ErrRoomNotFound so callers can distinguish absence from outage.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*RoomInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.roomURL(roomID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Join(ErrControlAPI, err)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode/100 == 2:
		var info RoomInfo
		if err = json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return nil, errors.Join(ErrControlAPI, err)
		}
		return &info, nil
	case resp.StatusCode/100 == 4:
		return nil, ErrRoomNotFound
	default:
		return nil, fmt.Errorf("%w: GET %s: status %s", ErrControlAPI, c.roomURL(roomID), resp.Status)
	}
}

// CreateRoom provisions a media room idempotently: probe first, create
// only when the probe reports absence.
func (c *Client) CreateRoom(ctx context.Context, roomID string) error {
	_, err := c.GetRoom(ctx, roomID)
	if err == nil {
		c.logger.Debug().Str("roomID", roomID).Msg("media room already exists")
		return nil
	}
	if !errors.Is(err, ErrRoomNotFound) {
		return err
	}

	spec := RoomSpec{ID: roomID, Pipeline: defaultPipeline(roomID)}
	return c.post(ctx, c.roomURL(roomID), &spec)
}

// CreateMember provisions userID inside roomID together with its play and
// publish endpoints.
func (c *Client) CreateMember(ctx context.Context, roomID, userID string) error {
	m := Member{
		ID:                uuid.NewString(),
		UserID:            userID,
		PlayEndpointID:    uuid.NewString(),
		PublishEndpointID: uuid.NewString(),
	}
	if err := c.post(ctx, c.roomURL(roomID)+"/member", &m); err != nil {
		return err
	}
	c.logger.Debug().
		Str("roomID", roomID).
		Str("userID", userID).
		Str("memberID", m.ID).
		Msg("media member created")
	return nil
}

// DeleteRoom tears the media room down. Deleting an absent room is not an
// error.
func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.roomURL(roomID), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Join(ErrControlAPI, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode/100 != 2 && resp.StatusCode/100 != 4 {
		return fmt.Errorf("%w: DELETE %s: status %s", ErrControlAPI, c.roomURL(roomID), resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Join(ErrControlAPI, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: POST %s: status %s", ErrControlAPI, url, resp.Status)
	}
	return nil
}

func (c *Client) roomURL(roomID string) string {
	return c.baseURL + "/room/" + roomID
}

func defaultPipeline(roomID string) string {
	return fmt.Sprintf("webrtc-room:%s", roomID)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
