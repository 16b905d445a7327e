package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only the log level and exit phrases are applied without a restart;
// other tracked sections are reported so the caller can warn.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ExitPhrasesChanged bool
	NewExitPhrases     []string

	// RestartRequired names the changed sections that only take effect after
	// a restart, in schema order.
	RestartRequired []string
}

// Empty reports whether d carries no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ExitPhrasesChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.Conversation.ExitPhrases, new.Conversation.ExitPhrases) {
		d.ExitPhrasesChanged = true
		d.NewExitPhrases = slices.Clone(new.Conversation.ExitPhrases)
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	oldConv, newConv := old.Conversation, new.Conversation
	oldConv.ExitPhrases, newConv.ExitPhrases = nil, nil

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"assistant", old.Assistant, new.Assistant},
		{"audio", old.Audio, new.Audio},
		{"vad", old.VAD, new.VAD},
		{"segmenter", old.Segmenter, new.Segmenter},
		{"conversation", oldConv, newConv},
		{"wake_word", old.WakeWord, new.WakeWord},
		{"identity", old.Identity, new.Identity},
		{"display", old.Display, new.Display},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
