package drive

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// WatchChanges registers a web_hook channel on the change feed. Drive posts
// to address whenever the feed after pageToken moves; token is echoed back in
// the X-Goog-Channel-Token header.
func (c *Client) WatchChanges(
	ctx context.Context, cred Credential, collectionID, pageToken, address, token string,
) (*Channel, error) {
	params := c.driveParams(collectionID)
	params.Set("pageToken", pageToken)
	params.Set("includeRemoved", "true")

	body := channelRequest{
		ID:      uuid.NewString(),
		Type:    "web_hook",
		Address: address,
		Token:   token,
	}
	r, err := jsonRequest(http.MethodPost, c.baseURL+"/changes/watch?"+params.Encode(), body)
	if err != nil {
		return nil, err
	}

	var resp channelResponse
	if err := c.doJSON(ctx, cred, r, &resp); err != nil {
		return nil, fmt.Errorf("watch changes: %w", err)
	}

	ch := &Channel{ID: resp.ID, ResourceID: resp.ResourceID, Address: address}
	if ch.ID == "" {
		ch.ID = body.ID
	}
	if ms, err := strconv.ParseInt(resp.Expiration, 10, 64); err == nil {
		ch.Expiration = time.UnixMilli(ms).UTC()
	}

	c.logger.InfoContext(ctx, "Registered push channel",
		"channel_id", ch.ID, "resource_id", ch.ResourceID, "expiration", ch.Expiration)
	return ch, nil
}

// StopChannel stops a push channel.
func (c *Client) StopChannel(ctx context.Context, cred Credential, ch *Channel) error {
	if ch == nil {
		return nil
	}
	body := map[string]string{"id": ch.ID, "resourceId": ch.ResourceID}
	r, err := jsonRequest(http.MethodPost, c.baseURL+"/channels/stop", body)
	if err != nil {
		return err
	}
	if err := c.doJSON(ctx, cred, r, nil); err != nil {
		return fmt.Errorf("stop channel %s: %w", ch.ID, err)
	}
	c.logger.InfoContext(ctx, "Stopped push channel", "channel_id", ch.ID)
	return nil
}
