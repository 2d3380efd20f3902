package config

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/supportdhq/supportd/internal/logging"
)

// ChannelSnapshot is an immutable view of the per-channel configuration.
// Components hold a snapshot for the duration of one operation; a reload
// produces a new snapshot and never mutates an existing one.
type ChannelSnapshot struct {
	byID map[string]ChannelConfig
}

// NewChannelSnapshot builds a snapshot from channel blocks.
func NewChannelSnapshot(channels []ChannelConfig) *ChannelSnapshot {
	byID := make(map[string]ChannelConfig, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}
	return &ChannelSnapshot{byID: byID}
}

// Get returns the channel config and whether the channel is known.
func (s *ChannelSnapshot) Get(channelID string) (ChannelConfig, bool) {
	ch, ok := s.byID[channelID]
	return ch, ok
}

// Enabled reports whether a channel is configured and enabled.
func (s *ChannelSnapshot) Enabled(channelID string) bool {
	ch, ok := s.byID[channelID]
	return ok && ch.Enabled
}

// List returns all configured channels.
func (s *ChannelSnapshot) List() []ChannelConfig {
	out := make([]ChannelConfig, 0, len(s.byID))
	for _, ch := range s.byID {
		out = append(out, ch)
	}
	return out
}

// Channels holds the current channel snapshot and swaps it atomically on
// reload.
type Channels struct {
	current atomic.Pointer[ChannelSnapshot]
	path    string
	logger  *logging.Logger
}

// NewChannels creates the channel table from an initial config.
func NewChannels(cfg *Config, configPath string, logger *logging.Logger) *Channels {
	c := &Channels{path: configPath, logger: logger}
	c.current.Store(NewChannelSnapshot(cfg.Channels))
	return c
}

// Snapshot returns the current immutable channel view.
func (c *Channels) Snapshot() *ChannelSnapshot {
	return c.current.Load()
}

// Reload re-reads the config file and swaps in a new snapshot. A failed
// reload keeps the previous snapshot.
func (c *Channels) Reload() error {
	if c.path == "" {
		return fmt.Errorf("no config path to reload from")
	}
	cfg, err := Load(c.path)
	if err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	c.current.Store(NewChannelSnapshot(cfg.Channels))
	return nil
}

// Watch reloads channel configuration whenever the config file changes.
// Blocks until the context is cancelled.
func (c *Channels) Watch(ctx context.Context) error {
	if c.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", c.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := c.Reload(); err != nil {
				c.logger.Warn(ctx, "channel config reload failed, keeping previous snapshot",
					zap.Error(err))
				continue
			}
			c.logger.Info(ctx, "channel config reloaded",
				zap.Int("channels", len(c.Snapshot().List())))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn(ctx, "config watcher error", zap.Error(err))
		}
	}
}
