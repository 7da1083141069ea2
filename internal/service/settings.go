package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/and161185/agenda/internal/crypto"
	"github.com/and161185/agenda/internal/errs"
	"github.com/and161185/agenda/internal/model"
	"github.com/and161185/agenda/internal/repository"
)

// CalendarSettings is the typed view over the settings rows that drive sync.
type CalendarSettings struct {
	Source            model.CalendarSource `json:"calendar_source"`
	SyncEnabled       bool                 `json:"caldav_sync_enabled"`
	ServerURL         string               `json:"caldav_server_url"`
	Username          string               `json:"caldav_username"`
	SelectedCalendars []string             `json:"caldav_selected_calendars"`
	SyncPastDays      int                  `json:"sync_past_days"`
	SyncFutureDays    int                  `json:"sync_future_days"`
	SyncDirection     model.SyncDirection  `json:"sync_direction"`
	LastSyncAt        *time.Time           `json:"last_sync_at,omitempty"`
	LastSyncError     string               `json:"last_sync_error,omitempty"`
}

// SyncConfig is CalendarSettings plus the unsealed CalDAV password, resolved
// once at the start of a sync run.
type SyncConfig struct {
	CalendarSettings
	Password string
}

// SettingsUpdate carries a partial settings change. Nil fields are untouched.
type SettingsUpdate struct {
	Source            *model.CalendarSource
	SyncEnabled       *bool
	SelectedCalendars *[]string
	SyncPastDays      *int
	SyncFutureDays    *int
	SyncDirection     *model.SyncDirection
}

var syncSettingKeys = []string{
	model.SettingCalendarSource,
	model.SettingSyncEnabled,
	model.SettingCalDAVServerURL,
	model.SettingCalDAVUsername,
	model.SettingCalDAVPassword,
	model.SettingSelectedCals,
	model.SettingSyncPastDays,
	model.SettingSyncFutureDays,
	model.SettingSyncDirection,
	model.SettingLastSyncAt,
	model.SettingLastSyncError,
}

// SettingsService reads and writes the typed calendar settings. The CalDAV
// password is sealed with box before it touches the database.
type SettingsService struct {
	repo repository.SettingsRepository
	box  *crypto.Box
}

func NewSettingsService(repo repository.SettingsRepository, box *crypto.Box) *SettingsService {
	return &SettingsService{repo: repo, box: box}
}

// CalendarSettings loads the typed settings view. Missing rows fall back to
// defaults, so a fresh database reads as local source with sync disabled.
func (s *SettingsService) CalendarSettings(ctx context.Context) (*CalendarSettings, error) {
	vals, err := s.repo.GetAll(ctx, syncSettingKeys)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	cfg := &CalendarSettings{
		Source:         model.SourceLocal,
		SyncPastDays:   model.DefaultSyncPastDays,
		SyncFutureDays: model.DefaultSyncFutureDays,
		SyncDirection:  model.DirectionBoth,
	}
	if v := vals[model.SettingCalendarSource]; v != "" {
		cfg.Source = model.CalendarSource(v)
	}
	cfg.SyncEnabled = vals[model.SettingSyncEnabled] == "true"
	cfg.ServerURL = vals[model.SettingCalDAVServerURL]
	cfg.Username = vals[model.SettingCalDAVUsername]
	if raw := vals[model.SettingSelectedCals]; raw != "" {
		// A stale or malformed selection must not block sync, it degrades
		// to "all calendars".
		_ = json.Unmarshal([]byte(raw), &cfg.SelectedCalendars)
	}
	if n, err := strconv.Atoi(vals[model.SettingSyncPastDays]); err == nil && n >= 0 {
		cfg.SyncPastDays = n
	}
	if n, err := strconv.Atoi(vals[model.SettingSyncFutureDays]); err == nil && n >= 0 {
		cfg.SyncFutureDays = n
	}
	switch d := model.SyncDirection(vals[model.SettingSyncDirection]); d {
	case model.DirectionImport, model.DirectionExport, model.DirectionBoth:
		cfg.SyncDirection = d
	}
	if v := vals[model.SettingLastSyncAt]; v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			cfg.LastSyncAt = &ts
		}
	}
	cfg.LastSyncError = vals[model.SettingLastSyncError]
	return cfg, nil
}

// SyncConfig loads the settings and unseals the CalDAV password.
func (s *SettingsService) SyncConfig(ctx context.Context) (*SyncConfig, error) {
	settings, err := s.CalendarSettings(ctx)
	if err != nil {
		return nil, err
	}
	cfg := &SyncConfig{CalendarSettings: *settings}
	sealed, err := s.repo.Get(ctx, model.SettingCalDAVPassword)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, fmt.Errorf("load caldav password: %w", err)
	}
	if sealed != "" {
		if s.box == nil {
			cfg.Password = sealed
		} else if plain, err := s.box.Open(sealed); err == nil {
			cfg.Password = plain
		} else {
			// Rows written before sealing was enabled hold the raw password.
			cfg.Password = sealed
		}
	}
	return cfg, nil
}

// Update applies a partial settings change.
func (s *SettingsService) Update(ctx context.Context, u SettingsUpdate) error {
	if u.Source != nil {
		if err := s.repo.Set(ctx, model.SettingCalendarSource, string(*u.Source)); err != nil {
			return err
		}
	}
	if u.SyncEnabled != nil {
		if err := s.repo.Set(ctx, model.SettingSyncEnabled, strconv.FormatBool(*u.SyncEnabled)); err != nil {
			return err
		}
	}
	if u.SelectedCalendars != nil {
		raw, err := json.Marshal(*u.SelectedCalendars)
		if err != nil {
			return fmt.Errorf("encode selected calendars: %w", err)
		}
		if err := s.repo.Set(ctx, model.SettingSelectedCals, string(raw)); err != nil {
			return err
		}
	}
	if u.SyncPastDays != nil {
		if err := s.repo.Set(ctx, model.SettingSyncPastDays, strconv.Itoa(*u.SyncPastDays)); err != nil {
			return err
		}
	}
	if u.SyncFutureDays != nil {
		if err := s.repo.Set(ctx, model.SettingSyncFutureDays, strconv.Itoa(*u.SyncFutureDays)); err != nil {
			return err
		}
	}
	if u.SyncDirection != nil {
		if err := s.repo.Set(ctx, model.SettingSyncDirection, string(*u.SyncDirection)); err != nil {
			return err
		}
	}
	return nil
}

// SetCredentials stores the CalDAV endpoint and account. The password is
// sealed when a master key was configured.
func (s *SettingsService) SetCredentials(ctx context.Context, serverURL, username, password string) error {
	if err := s.repo.Set(ctx, model.SettingCalDAVServerURL, serverURL); err != nil {
		return err
	}
	if err := s.repo.Set(ctx, model.SettingCalDAVUsername, username); err != nil {
		return err
	}
	stored := password
	if s.box != nil && password != "" {
		sealed, err := s.box.Seal(password)
		if err != nil {
			return fmt.Errorf("seal caldav password: %w", err)
		}
		stored = sealed
	}
	return s.repo.Set(ctx, model.SettingCalDAVPassword, stored)
}

// RecordSyncOutcome persists the last sync timestamp and error message. An
// empty message clears the previous error.
func (s *SettingsService) RecordSyncOutcome(ctx context.Context, at time.Time, errMsg string) error {
	if err := s.repo.Set(ctx, model.SettingLastSyncAt, at.UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return s.repo.Set(ctx, model.SettingLastSyncError, errMsg)
}
