package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"FeedPoster/internal/domain"
)

const legacyIdentityKey = "_posted_cves"

// legacySite is the per-site layout written before the version field existed.
type legacySite struct {
	LastCheckedAt *string  `json:"last_checked_at"`
	PostedIDs     []string `json:"posted_ids"`
}

// decodeState parses a durable document. Older layouts are upgraded in
// memory and reported through upgraded so the caller can rewrite them.
func decodeState(raw []byte, now time.Time) (state *domain.GlobalState, upgraded bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return domain.NewGlobalState(), false, nil
	}

	if raw[0] == '[' {
		var ids []string
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, false, fmt.Errorf("decode id list: %w", err)
		}
		state = domain.NewGlobalState()
		addIdentities(state, ids, now)
		return state, true, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, false, fmt.Errorf("decode document: %w", err)
	}
	if _, ok := top["version"]; ok {
		state, err := decodeCanonical(raw)
		return state, false, err
	}

	state, err = upgradeLegacy(top, now)
	return state, true, err
}

func decodeCanonical(raw []byte) (*domain.GlobalState, error) {
	var state domain.GlobalState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if state.Version != domain.StateVersion {
		return nil, fmt.Errorf("unsupported state version %d", state.Version)
	}
	state.Normalize()
	for sourceID, st := range state.Sources {
		for itemID, rec := range st.DeliveryRecords {
			if !rec.Status.Valid() {
				return nil, fmt.Errorf("source %s item %s: unknown status %q", sourceID, itemID, rec.Status)
			}
		}
	}
	return &state, nil
}

func upgradeLegacy(top map[string]json.RawMessage, now time.Time) (*domain.GlobalState, error) {
	state := domain.NewGlobalState()
	for key, raw := range top {
		if key == legacyIdentityKey {
			var ids []string
			if err := json.Unmarshal(raw, &ids); err != nil {
				return nil, fmt.Errorf("decode %s: %w", legacyIdentityKey, err)
			}
			addIdentities(state, ids, now)
			continue
		}

		var site legacySite
		if err := json.Unmarshal(raw, &site); err != nil {
			return nil, fmt.Errorf("decode legacy site %s: %w", key, err)
		}
		st := state.Source(key)
		if site.LastCheckedAt != nil && strings.TrimSpace(*site.LastCheckedAt) != "" {
			t, err := parseLegacyTime(*site.LastCheckedAt)
			if err != nil {
				return nil, fmt.Errorf("legacy site %s: %w", key, err)
			}
			st.LastCheckedAt = &t
		}
		for _, id := range site.PostedIDs {
			if id == "" {
				continue
			}
			delivered := now
			st.DeliveryRecords[id] = &domain.DeliveryRecord{
				ItemID:        id,
				Status:        domain.StatusSuccess,
				LastAttemptAt: now,
				AttemptCount:  1,
				DeliveredAt:   &delivered,
			}
		}
		addIdentities(state, site.PostedIDs, now)
	}
	return state, nil
}

func addIdentities(state *domain.GlobalState, ids []string, at time.Time) {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := state.Identities[id]; !ok {
			state.Identities[id] = at
		}
	}
}

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05",
}

func parseLegacyTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.New("unrecognized timestamp " + raw)
}

func encodeState(state *domain.GlobalState) ([]byte, error) {
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return append(out, '\n'), nil
}
