package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
)

// HistoryLimit bounds the chat-test history fetched per version.
const HistoryLimit = 200

func versionsPath(sessionID string) string {
	return "/api/sessions/" + url.PathEscape(sessionID) + "/versions"
}

// ListVersions returns the stored prompt versions of a session.
func (c *Client) ListVersions(ctx context.Context, sessionID string) ([]VersionRecord, error) {
	raw, err := c.call(ctx, http.MethodGet, versionsPath(sessionID), nil)
	if err != nil {
		return nil, err
	}
	var out []VersionRecord
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decoding versions: %w", err)
		}
	}
	return out, nil
}

// CreateVersion stores a new prompt version.
func (c *Client) CreateVersion(ctx context.Context, sessionID string, v NewVersion) (CreatedVersion, error) {
	raw, err := c.call(ctx, http.MethodPost, versionsPath(sessionID), v)
	if err != nil {
		return CreatedVersion{}, err
	}
	var out CreatedVersion
	if err := json.Unmarshal(raw, &out); err != nil {
		return CreatedVersion{}, fmt.Errorf("decoding created version: %w", err)
	}
	return out, nil
}

// RenameVersion sets a version's display name.
func (c *Client) RenameVersion(ctx context.Context, sessionID string, versionID int64, name string) error {
	path := fmt.Sprintf("%s/%d/name", versionsPath(sessionID), versionID)
	_, err := c.call(ctx, http.MethodPut, path, map[string]string{"version_name": name})
	return err
}

// DeleteVersion removes a version.
func (c *Client) DeleteVersion(ctx context.Context, sessionID string, versionID int64) error {
	path := fmt.Sprintf("%s/%d", versionsPath(sessionID), versionID)
	_, err := c.call(ctx, http.MethodDelete, path, nil)
	return err
}

// ChatTestHistory returns the chat-test messages of a version ordered by
// message_order.
func (c *Client) ChatTestHistory(ctx context.Context, sessionID string, versionID int64) ([]ChatTestMessage, error) {
	body := map[string]any{"session_id": sessionID, "version_id": versionID, "limit": HistoryLimit}
	raw, err := c.call(ctx, http.MethodPost, "/chat-test-history", body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []ChatTestMessage `json:"messages"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decoding chat history: %w", err)
		}
	}
	msgs := out.Messages
	if msgs == nil {
		msgs = []ChatTestMessage{}
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].MessageOrder < msgs[j].MessageOrder })
	return msgs, nil
}

// SaveChatTestMessage appends a message to a version's chat-test history.
func (c *Client) SaveChatTestMessage(ctx context.Context, in ChatTestMessageInput) (int64, error) {
	raw, err := c.call(ctx, http.MethodPost, "/chat-test-save-message", in)
	if err != nil {
		return 0, err
	}
	var out struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("decoding saved message: %w", err)
	}
	return out.MessageID, nil
}

// ChatTestVersion sends one chat-test message to the prompt stored as
// versionID and returns the model's reply.
func (c *Client) ChatTestVersion(ctx context.Context, sessionID string, versionID int64, userMessage string) (ChatTestReply, error) {
	body := map[string]any{"session_id": sessionID, "version_number": versionID, "user_message": userMessage}
	raw, err := c.call(ctx, http.MethodPost, "/chat-test-version", body)
	if err != nil {
		return ChatTestReply{}, err
	}
	var out ChatTestReply
	if err := json.Unmarshal(raw, &out); err != nil {
		return ChatTestReply{}, fmt.Errorf("decoding chat-test reply: %w", err)
	}
	return out, nil
}

// DiffAnalysis returns the saved diff analysis for a version pair, or nil
// when none exists.
func (c *Client) DiffAnalysis(ctx context.Context, sessionID string, leftID, rightID int64) (*DiffAnalysis, error) {
	body := map[string]any{"session_id": sessionID, "left_version_id": leftID, "right_version_id": rightID}
	raw, err := c.call(ctx, http.MethodPost, "/chat-test-diff-analysis-get", body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Analysis json.RawMessage `json:"analysis"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &out) != nil {
		return nil, nil
	}
	if len(out.Analysis) == 0 || out.Analysis[0] != '{' {
		return nil, nil
	}
	var a DiffAnalysis
	if err := json.Unmarshal(out.Analysis, &a); err != nil {
		return nil, fmt.Errorf("decoding diff analysis: %w", err)
	}
	return &a, nil
}

// SaveDiffAnalysis stores a diff explanation for a version pair.
func (c *Client) SaveDiffAnalysis(ctx context.Context, sessionID string, leftID, rightID int64, a DiffAnalysis) error {
	body := map[string]any{
		"session_id":        sessionID,
		"left_version_id":   leftID,
		"right_version_id":  rightID,
		"left_message_ids":  nonNilIDs(a.LeftMessageIDs),
		"right_message_ids": nonNilIDs(a.RightMessageIDs),
		"explanation":       a.Explanation,
	}
	_, err := c.call(ctx, http.MethodPost, "/chat-test-diff-analysis-save", body)
	return err
}

// ExplainDiff asks the service to explain the behavioral difference between
// two selected message subsets.
func (c *Client) ExplainDiff(ctx context.Context, sessionID string, leftID, rightID int64, leftMsgs, rightMsgs []int64) (string, error) {
	body := map[string]any{
		"session_id":        sessionID,
		"left_version_id":   leftID,
		"right_version_id":  rightID,
		"left_message_ids":  nonNilIDs(leftMsgs),
		"right_message_ids": nonNilIDs(rightMsgs),
		"left_start_order":  1,
		"left_end_order":    1,
		"right_start_order": 1,
		"right_end_order":   1,
	}
	raw, err := c.call(ctx, http.MethodPost, "/chat-test-diff-explain", body)
	if err != nil {
		return "", err
	}
	var out struct {
		Explanation string `json:"explanation"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("decoding diff explanation: %w", err)
		}
	}
	return out.Explanation, nil
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
