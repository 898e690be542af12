package montage

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"eeg-pipeline/models"
)

// Layout identifies a supported electrode montage.
type Layout int

const (
	LayoutUnknown Layout = iota
	Monopolar19          // 19 EEG channels referenced to the ears
	Monopolar21          // 19 EEG channels plus ECG and a photic marker
)

func (l Layout) String() string {
	switch l {
	case Monopolar19:
		return "Monopolar19"
	case Monopolar21:
		return "Monopolar21"
	default:
		return "Unknown"
	}
}

// eegSites is the standard 10-20 clinical set. A monopolar recording
// must cover exactly this set with its EEG channels.
var eegSites = []string{
	"FP1", "FP2", "F3", "F4", "C3", "C4", "P3", "P4", "O1", "O2",
	"F7", "F8", "T3", "T4", "T5", "T6", "FZ", "CZ", "PZ",
}

var eegSiteSet = func() map[string]bool {
	m := make(map[string]bool, len(eegSites))
	for _, s := range eegSites {
		m[s] = true
	}
	return m
}()

// UnsupportedMontageError reports a channel set that matches no known
// layout.
type UnsupportedMontageError struct {
	Channels int
	Name     string // offending channel name, empty when the count alone is wrong
}

func (e *UnsupportedMontageError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("unsupported montage: channel %q matches no layout position (%d channels)", e.Name, e.Channels)
	}
	return fmt.Sprintf("unsupported montage: no layout with %d channels", e.Channels)
}

// Resolve maps a recording's channels onto a supported layout. It
// returns the layout and a copy of the channels with Site and Kind
// assigned, in the original order. Resolution is a pure lookup: no
// state, no side effects.
func Resolve(channels []models.Channel) (Layout, []models.Channel, error) {
	layout := LayoutUnknown
	switch len(channels) {
	case len(eegSites):
		layout = Monopolar19
	case len(eegSites) + 2:
		layout = Monopolar21
	default:
		return LayoutUnknown, nil, &UnsupportedMontageError{Channels: len(channels)}
	}

	resolved := make([]models.Channel, len(channels))
	seen := make(map[string]bool, len(eegSites))
	var ecg, aux int

	for i, ch := range channels {
		site, kind, ok := classify(ch.Name)
		c := ch
		switch {
		case ok && kind == models.ChannelEEG:
			if seen[site] {
				return LayoutUnknown, nil, &UnsupportedMontageError{Channels: len(channels), Name: ch.Name}
			}
			seen[site] = true
			c.Site, c.Kind = site, models.ChannelEEG
		case ok && kind == models.ChannelECG:
			ecg++
			c.Site, c.Kind = "ECG", models.ChannelECG
		case ok:
			aux++
			c.Site, c.Kind = site, models.ChannelAux
		default:
			// one unrecognized channel is tolerated on the 21-channel
			// layout: hardware marker names vary between firmware versions
			aux++
			c.Site, c.Kind = "MARKER", models.ChannelAux
		}
		resolved[i] = c
	}

	switch layout {
	case Monopolar19:
		if len(seen) != len(eegSites) {
			return LayoutUnknown, nil, &UnsupportedMontageError{Channels: len(channels), Name: firstUnresolved(channels, resolved)}
		}
	case Monopolar21:
		if len(seen) != len(eegSites) || ecg != 1 || aux != 1 {
			return LayoutUnknown, nil, &UnsupportedMontageError{Channels: len(channels), Name: firstUnresolved(channels, resolved)}
		}
	}

	return layout, resolved, nil
}

// classify parses a vendor channel label into an electrode site and
// kind. Labels look like "EEG FP1-A1" or "ECG  ECG"; the reference
// suffix after '-' is ignored. Names are NFC-normalized first, like
// annotation labels, so byte-level encoding differences between
// acquisition stations cannot split a site.
func classify(name string) (string, models.ChannelKind, bool) {
	upper := strings.ToUpper(strings.TrimSpace(norm.NFC.String(name)))

	if strings.HasPrefix(upper, "ECG") {
		return "ECG", models.ChannelECG, true
	}
	if strings.Contains(upper, "PHOTIC") {
		return "PHOTIC", models.ChannelAux, true
	}

	upper = strings.TrimSpace(strings.TrimPrefix(upper, "EEG"))
	electrode, _, _ := strings.Cut(upper, "-")
	electrode = strings.TrimSpace(electrode)

	if eegSiteSet[electrode] {
		return electrode, models.ChannelEEG, true
	}
	return "", models.ChannelAux, false
}

func firstUnresolved(in, out []models.Channel) string {
	for i := range out {
		if out[i].Kind == models.ChannelAux && out[i].Site == "MARKER" {
			return in[i].Name
		}
	}
	if len(in) > 0 {
		return in[0].Name
	}
	return ""
}
