package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PublicTask is the read-only projection served for share tokens.
type PublicTask struct {
	ID             string         `json:"id"`
	DeepResearchID string         `json:"deepresearch_id"`
	LocationName   string         `json:"location_name"`
	LocationLat    float64        `json:"location_lat"`
	LocationLng    float64        `json:"location_lng"`
	Status         Status         `json:"status"`
	LocationImages LocationImages `json:"location_images"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	SharedAt       *time.Time     `json:"shared_at,omitempty"`
}

// Public builds the share projection. A stored gallery that cannot be decoded
// is served empty.
func (t *ResearchTask) Public() PublicTask {
	images, _ := DecodeLocationImages(t.LocationImages)
	return PublicTask{
		ID:             t.ID,
		DeepResearchID: t.ExternalID,
		LocationName:   t.Location.Name,
		LocationLat:    t.Location.Lat,
		LocationLng:    t.Location.Lng,
		Status:         t.Status,
		LocationImages: images,
		CreatedAt:      t.CreatedAt,
		CompletedAt:    t.CompletedAt,
		SharedAt:       t.SharedAt,
	}
}

// EncodeLocationImages produces the stored form of a share gallery: the array
// is encoded to JSON and that JSON text is encoded again as a JSON string.
// Rows written by earlier deployments have this shape, so new rows keep it.
func EncodeLocationImages(urls []string) string {
	if len(urls) == 0 {
		return ""
	}
	inner, _ := json.Marshal(urls)
	outer, _ := json.Marshal(string(inner))
	return string(outer)
}

// DecodeLocationImages reverses EncodeLocationImages with two explicit passes.
// A value that is already a plain array after the first pass is accepted.
func DecodeLocationImages(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var first any
	if err := json.Unmarshal([]byte(raw), &first); err != nil {
		return nil, fmt.Errorf("decode location images: %w", err)
	}
	if s, ok := first.(string); ok {
		var second any
		if err := json.Unmarshal([]byte(s), &second); err != nil {
			return nil, fmt.Errorf("decode location images (second pass): %w", err)
		}
		first = second
	}
	arr, ok := first.([]any)
	if !ok {
		return nil, fmt.Errorf("decode location images: unexpected %T", first)
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// LocationImages decodes from either a JSON array or its string-encoded forms.
type LocationImages []string

func (l *LocationImages) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	raw := string(b)
	if b[0] == '"' {
		// the field carries the stored form as a JSON string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	}
	urls, err := DecodeLocationImages(raw)
	if err != nil {
		return err
	}
	*l = urls
	return nil
}

type ShareResult struct {
	ShareURL   string `json:"shareUrl"`
	ShareToken string `json:"shareToken"`
}

// NotSharedMessage is shown for every share-token read that does not resolve
// to a public task, whatever the underlying reason.
const NotSharedMessage = "Research not found or is not shared"

var ErrNotShared = errors.New("research not found or is not shared")
