package edf

import (
	"bytes"
	"strconv"

	"eeg-pipeline/models"
)

// parseTALs extracts annotations from one record's worth of an EDF+
// annotation signal. The payload is a run of NUL-terminated
// timestamped annotation lists; each list is an onset, an optional
// 0x15-prefixed duration, and one or more 0x14-terminated labels.
// Record timestamp entries (empty label) and lists that fail to parse
// are skipped, keeping a damaged marker from taking the file down.
func parseTALs(data []byte) []models.Annotation {
	var anns []models.Annotation
	for len(data) > 0 {
		end := bytes.IndexByte(data, 0x00)
		if end < 0 {
			end = len(data)
		}
		tal := data[:end]
		if end == len(data) {
			data = nil
		} else {
			data = data[end+1:]
		}
		if len(tal) == 0 {
			continue
		}
		anns = append(anns, parseTAL(tal)...)
	}
	return anns
}

func parseTAL(tal []byte) []models.Annotation {
	if tal[0] != '+' && tal[0] != '-' {
		return nil
	}

	head, rest, found := bytes.Cut(tal, []byte{0x14})
	if !found {
		return nil
	}

	onsetStr, durStr, hasDur := bytes.Cut(head, []byte{0x15})
	onset, err := strconv.ParseFloat(string(onsetStr), 64)
	if err != nil {
		return nil
	}
	duration := 0.0
	if hasDur {
		if duration, err = strconv.ParseFloat(string(durStr), 64); err != nil {
			return nil
		}
	}

	var anns []models.Annotation
	for _, text := range bytes.Split(rest, []byte{0x14}) {
		if len(text) == 0 {
			continue
		}
		anns = append(anns, models.Annotation{
			Onset:    onset,
			Duration: duration,
			Label:    string(text),
		})
	}
	return anns
}
