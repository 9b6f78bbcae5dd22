// Package snapshot assembles the one-shot combined device document: each
// device profile merged with its normalized map entry.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/lubosd/hass-gabb/internal/gabb"
	"github.com/lubosd/hass-gabb/internal/payload"
)

type API interface {
	GetMap(ctx context.Context) (*gabb.Response, error)
	GetContacts(ctx context.Context) (*gabb.Response, error)
	GetDeviceProfile(ctx context.Context, id string) (*gabb.Response, error)
	GetUserProfile(ctx context.Context) (*gabb.Response, error)
}

type Entry struct {
	DeviceProfile map[string]any           `json:"deviceProfile"`
	DeviceInfo    map[string]any           `json:"deviceInfo,omitempty"`
	SafeZones     []payload.ZoneProjection `json:"safeZones,omitempty"`
}

// Snapshot is keyed by device identifier.
type Snapshot map[string]*Entry

// Build fetches the user profile and contacts for logging, then merges the
// profile of every device listed by a contact with that device's entry from
// the map data. On error the devices collected so far are returned with it.
func Build(ctx context.Context, api API, logger zerolog.Logger) (Snapshot, error) {
	logUserProfile(ctx, api, logger)

	contacts, err := fetchData(ctx, api.GetContacts)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch contacts: %w", err)
	}

	list, _ := contacts["contacts"].([]any)
	for _, c := range list {
		logger.Info().Interface("contact", c).Msg("Retrieved contact")
	}

	ids := DeviceIDs(list)
	if len(ids) == 0 {
		logger.Info().Msg("No device IDs found")
		return Snapshot{}, nil
	}

	out := make(Snapshot, len(ids))
	var view *payload.CombinedView

	for _, id := range ids {
		logger.Info().Str("device", id).Msg("Retrieving device profile")

		resp, err := api.GetDeviceProfile(ctx, id)
		if err != nil {
			return out, fmt.Errorf("fetch device profile %s: %w", id, err)
		}

		profile, err := resp.JSON()
		if err != nil {
			return out, fmt.Errorf("parse device profile %s: %w", id, err)
		}

		entry := &Entry{DeviceProfile: profile}
		out[id] = entry

		if view == nil {
			view, err = fetchView(ctx, api)
			if err != nil {
				return out, err
			}
			if view.Len() == 0 {
				logger.Info().Msg("No devices found in map data")
			}
		}

		if d, ok := view.Get(id); ok {
			entry.DeviceInfo = d.DeviceInfo
			entry.SafeZones = d.SafeZones
		} else {
			logger.Info().Str("device", id).Msg("No map data found for device")
		}
	}

	return out, nil
}

// DeviceIDs collects the distinct device identifiers referenced by contacts,
// sorted.
func DeviceIDs(contacts []any) []string {
	seen := map[string]bool{}
	var ids []string

	for _, item := range contacts {
		contact, ok := item.(map[string]any)
		if !ok {
			continue
		}

		devices, _ := contact["devices"].([]any)
		for _, d := range devices {
			if d == nil {
				continue
			}
			id := payload.ID(d)
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	sort.Strings(ids)

	return ids
}

func fetchView(ctx context.Context, api API) (*payload.CombinedView, error) {
	data, err := fetchData(ctx, api.GetMap)
	if err != nil {
		return nil, fmt.Errorf("fetch map data: %w", err)
	}

	view, err := payload.Normalize(data)
	if err != nil && !errors.Is(err, payload.ErrNoDevices) {
		return nil, err
	}

	return view, nil
}

func logUserProfile(ctx context.Context, api API, logger zerolog.Logger) {
	profile, err := fetchData(ctx, api.GetUserProfile)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to fetch user profile")
		return
	}

	if len(profile) == 0 {
		logger.Info().Msg("No user profile data found")
		return
	}

	logger.Info().Fields(profile).Msg("Retrieved user profile")
}

// fetchData calls get and returns the "data" object of the body, empty when
// the body has none.
func fetchData(ctx context.Context, get func(context.Context) (*gabb.Response, error)) (map[string]any, error) {
	resp, err := get(ctx)
	if err != nil {
		return nil, err
	}

	body, err := resp.JSON()
	if err != nil {
		return nil, err
	}

	data, _ := body["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}

	return data, nil
}
