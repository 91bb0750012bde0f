package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miabot/internal/config"
	"miabot/internal/domain"
)

// useTempConfig points the commands at a config file with an isolated
// SQLite database.
func useTempConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Memory.DBPath = filepath.Join(dir, "miabot.db")
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.Save(path, cfg))

	old := configPath
	configPath = path
	t.Cleanup(func() { configPath = old })
	return path
}

func TestBanUnbanBans(t *testing.T) {
	useTempConfig(t)

	var out bytes.Buffer
	ban := banCmd()
	ban.SetOut(&out)
	ban.SetArgs([]string{"33600000001", "--reason", "spam", "--for", "1h"})
	require.NoError(t, ban.Execute())
	assert.Contains(t, out.String(), "banned 33600000001 (until ")

	out.Reset()
	list := bansCmd()
	list.SetOut(&out)
	list.SetArgs(nil)
	require.NoError(t, list.Execute())
	assert.Contains(t, out.String(), "33600000001")
	assert.Contains(t, out.String(), "spam")

	out.Reset()
	unban := unbanCmd()
	unban.SetOut(&out)
	unban.SetArgs([]string{"33600000001"})
	require.NoError(t, unban.Execute())
	assert.Contains(t, out.String(), "unbanned 33600000001")

	out.Reset()
	list = bansCmd()
	list.SetOut(&out)
	list.SetArgs(nil)
	require.NoError(t, list.Execute())
	assert.Contains(t, out.String(), "no bans")
}

func TestPrintStats(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printStats(&out, nil))
	assert.Contains(t, out.String(), "no stats recorded")

	out.Reset()
	require.NoError(t, printStats(&out, []domain.DailyStat{
		{Date: time.Now().UTC().Format(time.DateOnly), Field: "messages_received", Count: 12},
	}))
	assert.Contains(t, out.String(), "messages_received")
	assert.Contains(t, out.String(), "12")
}

func TestConfigInitAndPath(t *testing.T) {
	dir := t.TempDir()
	old := configPath
	configPath = filepath.Join(dir, "sub", "config.yaml")
	t.Cleanup(func() { configPath = old })

	var out bytes.Buffer
	cmd := configCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"init"})
	require.NoError(t, cmd.Execute())
	_, err := os.Stat(configPath)
	require.NoError(t, err)

	cmd = configCmd()
	cmd.SetArgs([]string{"init"})
	assert.Error(t, cmd.Execute(), "init must not overwrite without --force")

	out.Reset()
	cmd = configCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"path"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), configPath)
}

func TestConfigGetMasksSecrets(t *testing.T) {
	path := useTempConfig(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.Providers[0].APIKey = "sk-or-verysecretkey"
	require.NoError(t, config.Save(path, cfg))

	var out bytes.Buffer
	cmd := configCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"get", "abuse.maxPerMinute"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "10\n", out.String())

	out.Reset()
	cmd = configCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"show"})
	require.NoError(t, cmd.Execute())
	assert.NotContains(t, out.String(), "verysecretkey")
}

func TestApplyLogLevel(t *testing.T) {
	cfg := config.Defaults()
	cfg.General.LogLevel = "warn"
	applyLogLevel(cfg)
	assert.Equal(t, "WARN", logLevel.Level().String())

	cfg.General.Debug = true
	applyLogLevel(cfg)
	assert.Equal(t, "DEBUG", logLevel.Level().String())

	logLevel.Set(0)
}
