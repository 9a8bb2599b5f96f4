// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exslices"
	"gopkg.in/yaml.v3"

	"github.com/thfree/jcl/pkg/stanza"
)

const (
	settingsSection    = "component"
	settingMOTD        = "motd"
	settingWelcome     = "welcome_message"
	settingAdmins      = "admins"
	settingsReloadWait = 200 * time.Millisecond
)

// Settings is a sectioned key/value file edited at runtime by admin commands.
// Every change is written back immediately; external edits are picked up by
// Watch.
type Settings struct {
	path string
	log  zerolog.Logger

	mu   sync.RWMutex
	data map[string]map[string]string
}

// LoadSettings reads path, which may not exist yet. An empty path keeps the
// settings in memory.
func LoadSettings(path string, log zerolog.Logger) (*Settings, error) {
	s := &Settings{
		path: path,
		log:  log.With().Str("component", "settings").Logger(),
		data: make(map[string]map[string]string),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the in-memory settings with the file content.
func (s *Settings) Reload() error {
	if s.path == "" {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	data := make(map[string]map[string]string)
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to parse settings: %w", err)
	}
	if data == nil {
		data = make(map[string]map[string]string)
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

func (s *Settings) Get(section, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[section][key]
	return v, ok
}

// Set and Delete edit a copy and only keep it once it is saved.
func (s *Settings) Set(section, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.cloneLocked()
	if data[section] == nil {
		data[section] = make(map[string]string)
	}
	data[section][key] = value
	return s.commitLocked(data)
}

func (s *Settings) Delete(section, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[section][key]; !ok {
		return nil
	}
	data := s.cloneLocked()
	delete(data[section], key)
	if len(data[section]) == 0 {
		delete(data, section)
	}
	return s.commitLocked(data)
}

func (s *Settings) cloneLocked() map[string]map[string]string {
	data := make(map[string]map[string]string, len(s.data))
	for section, values := range s.data {
		data[section] = maps.Clone(values)
	}
	return data
}

func (s *Settings) commitLocked(data map[string]map[string]string) error {
	if err := s.save(data); err != nil {
		return err
	}
	s.data = data
	return nil
}

func (s *Settings) save(data map[string]map[string]string) error {
	if s.path == "" {
		return nil
	}
	raw, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if _, err = tmp.Write(raw); err == nil {
		err = tmp.Close()
	} else {
		_ = tmp.Close()
	}
	if err == nil {
		err = os.Rename(tmp.Name(), s.path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

func (s *Settings) MOTD() string {
	v, _ := s.Get(settingsSection, settingMOTD)
	return v
}

func (s *Settings) SetMOTD(motd string) error {
	return s.Set(settingsSection, settingMOTD, motd)
}

func (s *Settings) DeleteMOTD() error {
	return s.Delete(settingsSection, settingMOTD)
}

func (s *Settings) WelcomeMessage() string {
	v, _ := s.Get(settingsSection, settingWelcome)
	return v
}

func (s *Settings) SetWelcomeMessage(msg string) error {
	return s.Set(settingsSection, settingWelcome, msg)
}

func (s *Settings) DeleteWelcomeMessage() error {
	return s.Delete(settingsSection, settingWelcome)
}

// Admins returns the bare addresses allowed to run admin commands.
func (s *Settings) Admins() []string {
	v, _ := s.Get(settingsSection, settingAdmins)
	var admins []string
	for _, a := range strings.Split(v, ",") {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			admins = append(admins, a)
		}
	}
	return exslices.DeduplicateUnsorted(admins)
}

func (s *Settings) SetAdmins(admins []string) error {
	return s.Set(settingsSection, settingAdmins, strings.Join(exslices.DeduplicateUnsorted(admins), ","))
}

func (s *Settings) IsAdmin(jid stanza.JID) bool {
	bare := strings.ToLower(jid.Bare().String())
	for _, a := range s.Admins() {
		if a == bare {
			return true
		}
	}
	return false
}

// Watch reloads the settings whenever the file changes on disk, until ctx is
// done. The parent directory is watched so that editors replacing the file
// are noticed.
func (s *Settings) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	defer watcher.Close()
	if err = watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch settings directory: %w", err)
	}
	target := filepath.Clean(s.path)
	reload := time.NewTimer(settingsReloadWait)
	reload.Stop()
	defer reload.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target || !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
				continue
			}
			reload.Reset(settingsReloadWait)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("Settings watcher error")
		case <-reload.C:
			if err := s.Reload(); err != nil {
				s.log.Err(err).Msg("Failed to reload settings")
			} else {
				s.log.Info().Msg("Reloaded settings")
			}
		}
	}
}
