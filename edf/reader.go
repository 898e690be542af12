package edf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"eeg-pipeline/models"
)

// Load reads a whole EDF/EDF+ file into a Recording. The file's data
// records are decoded sequentially, digital values are calibrated to
// physical units, and EDF+ annotation signals are parsed into the
// recording's annotation list instead of appearing as channels.
func Load(path string) (*models.Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %v", err)
	}
	defer f.Close()

	rec, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	rec.Source.Path = path
	return rec, nil
}

// Read decodes an EDF/EDF+ stream into a Recording.
func Read(r io.Reader) (*models.Recording, error) {
	br := bufio.NewReaderSize(r, 1<<16)

	hdr, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}

	// partition signals into sample-carrying channels and EDF+
	// annotation streams
	var ordinary, annotation []int
	for i, s := range hdr.Signals {
		if s.isAnnotation() {
			annotation = append(annotation, i)
		} else {
			ordinary = append(ordinary, i)
		}
	}
	if len(ordinary) == 0 {
		return nil, fmt.Errorf("recording has no signal channels")
	}
	if hdr.RecordDuration <= 0 {
		return nil, fmt.Errorf("invalid data record duration %g", hdr.RecordDuration)
	}

	spr := hdr.Signals[ordinary[0]].SamplesPerRecord
	for _, i := range ordinary {
		if hdr.Signals[i].SamplesPerRecord != spr {
			return nil, fmt.Errorf("mixed sampling rates: signal %q has %d samples per record, expected %d",
				hdr.Signals[i].Label, hdr.Signals[i].SamplesPerRecord, spr)
		}
	}
	if spr <= 0 {
		return nil, fmt.Errorf("invalid samples per record %d", spr)
	}

	rec := &models.Recording{
		SampleRate: float64(spr) / hdr.RecordDuration,
		StartTime:  hdr.StartTime,
		Channels:   make([]models.Channel, len(ordinary)),
	}
	for n, i := range ordinary {
		rec.Channels[n] = models.Channel{
			Name: hdr.Signals[i].Label,
			Unit: hdr.Signals[i].PhysicalDimension,
		}
	}

	expected := hdr.NumDataRecords
	capacity := 0
	if expected > 0 {
		capacity = expected * spr
	}
	rec.Data = make([][]float64, len(ordinary))
	for i := range rec.Data {
		rec.Data[i] = make([]float64, 0, capacity)
	}

	// one data record = each signal's samples back to back, 16-bit LE
	bufs := make(map[int][]byte, len(hdr.Signals))
	for i, s := range hdr.Signals {
		bufs[i] = make([]byte, s.SamplesPerRecord*2)
	}

	for record := 0; expected < 0 || record < expected; record++ {
		for i, s := range hdr.Signals {
			buf := bufs[i]
			if _, err := io.ReadFull(br, buf); err != nil {
				if record > 0 && i == 0 && err == io.EOF && expected < 0 {
					// unknown record count: EOF at a record boundary ends the file
					expected = record
					break
				}
				return nil, fmt.Errorf("error reading data record %d: %v", record, err)
			}

			if s.isAnnotation() {
				anns := parseTALs(buf)
				rec.Annotations = append(rec.Annotations, anns...)
				continue
			}

			ord := ordinals(ordinary, i)
			if ord < 0 {
				continue
			}
			for n := 0; n < s.SamplesPerRecord; n++ {
				digital := int16(binary.LittleEndian.Uint16(buf[n*2:]))
				rec.Data[ord] = append(rec.Data[ord], digitalToPhysical(digital, s))
			}
		}
		if expected == record {
			break
		}
	}

	rec.Patient = parsePatientField(hdr.PatientID, hdr.StartTime)

	sort.SliceStable(rec.Annotations, func(a, b int) bool {
		return rec.Annotations[a].Onset < rec.Annotations[b].Onset
	})

	return rec, nil
}

// ReadHeader parses the fixed 256-byte header plus the per-signal
// header block that follows it.
func ReadHeader(r io.Reader) (*Header, error) {
	b := make([]byte, 256)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("error reading header: %v", err)
	}

	hdr := &Header{
		Version:     strings.TrimSpace(string(b[0:8])),
		PatientID:   strings.TrimSpace(string(b[8:88])),
		RecordingID: strings.TrimSpace(string(b[88:168])),
		Reserved:    strings.TrimSpace(string(b[192:236])),
	}

	dateStr := strings.TrimSpace(string(b[168:176]))
	timeStr := strings.TrimSpace(string(b[176:184]))
	startDate, err := time.Parse("02.01.06", dateStr)
	if err != nil {
		return nil, fmt.Errorf("error parsing start date: %v", err)
	}
	startClock, err := time.Parse("15.04.05", timeStr)
	if err != nil {
		return nil, fmt.Errorf("error parsing start time: %v", err)
	}
	hdr.StartTime = time.Date(startDate.Year(), startDate.Month(), startDate.Day(),
		startClock.Hour(), startClock.Minute(), startClock.Second(), 0, time.UTC)

	if hdr.HeaderBytes, err = strconv.Atoi(strings.TrimSpace(string(b[184:192]))); err != nil {
		return nil, fmt.Errorf("error parsing header size: %v", err)
	}
	if hdr.NumDataRecords, err = strconv.Atoi(strings.TrimSpace(string(b[236:244]))); err != nil {
		return nil, fmt.Errorf("error parsing record count: %v", err)
	}
	if hdr.RecordDuration, err = strconv.ParseFloat(strings.TrimSpace(string(b[244:252])), 64); err != nil {
		return nil, fmt.Errorf("error parsing record duration: %v", err)
	}
	signalCount, err := strconv.Atoi(strings.TrimSpace(string(b[252:256])))
	if err != nil {
		return nil, fmt.Errorf("error parsing signal count: %v", err)
	}
	if signalCount <= 0 || signalCount > 512 {
		return nil, fmt.Errorf("implausible signal count %d", signalCount)
	}

	hdr.Signals = make([]SignalHeader, signalCount)

	// the signal header block stores each field for all signals in a
	// row, not one signal at a time
	read := func(width int, assign func(i int, field string)) error {
		if err != nil {
			return err
		}
		buf := make([]byte, width)
		for i := 0; i < signalCount; i++ {
			if _, err = io.ReadFull(r, buf); err != nil {
				return fmt.Errorf("error reading signal headers: %v", err)
			}
			assign(i, strings.TrimSpace(string(buf)))
		}
		return nil
	}

	err = read(16, func(i int, f string) { hdr.Signals[i].Label = f })
	err = read(80, func(i int, f string) { hdr.Signals[i].TransducerType = f })
	err = read(8, func(i int, f string) { hdr.Signals[i].PhysicalDimension = f })
	err = read(8, func(i int, f string) { hdr.Signals[i].PhysicalMin = parseFloatField(f) })
	err = read(8, func(i int, f string) { hdr.Signals[i].PhysicalMax = parseFloatField(f) })
	err = read(8, func(i int, f string) { hdr.Signals[i].DigitalMin = parseIntField(f) })
	err = read(8, func(i int, f string) { hdr.Signals[i].DigitalMax = parseIntField(f) })
	err = read(80, func(i int, f string) { hdr.Signals[i].Prefiltering = f })
	err = read(8, func(i int, f string) { hdr.Signals[i].SamplesPerRecord = parseIntField(f) })
	err = read(32, func(i int, f string) { _ = f })
	if err != nil {
		return nil, err
	}

	return hdr, nil
}

// digitalToPhysical applies the signal's calibration to one stored
// sample.
func digitalToPhysical(digital int16, s SignalHeader) float64 {
	if s.DigitalMax == s.DigitalMin {
		return 0
	}
	return s.PhysicalMin + (float64(digital)-float64(s.DigitalMin))*
		(s.PhysicalMax-s.PhysicalMin)/float64(s.DigitalMax-s.DigitalMin)
}

func ordinals(ordinary []int, signal int) int {
	for n, i := range ordinary {
		if i == signal {
			return n
		}
	}
	return -1
}

func parseFloatField(f string) float64 {
	v, err := strconv.ParseFloat(f, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseIntField(f string) int {
	v, err := strconv.Atoi(f)
	if err != nil {
		return 0
	}
	return v
}
