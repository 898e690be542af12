package edf

import (
	"strconv"
	"strings"
	"time"

	"eeg-pipeline/models"
)

// ageBands are the age categories stored with each patient group.
type ageBand struct {
	lo, hi int // years, hi exclusive
	name   string
}

var ageBands = []ageBand{
	{0, 3, "0-3 years"},
	{3, 6, "3-6 years"},
	{6, 9, "6-9 years"},
	{9, 12, "9-12 years"},
	{12, 14, "12-14 years"},
	{14, 18, "14-18 years"},
	{18, 25, "18-25 years"},
	{25, 30, "25-30 years"},
	{30, 40, "30-40 years"},
	{40, 1 << 30, "40+ years"},
}

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// parsePatientField interprets the EDF+ local patient identification
// field: "code sex birthdate name", subfields space-separated with
// unknown entries written as "X". Files that predate EDF+ carry free
// text here; anything unparseable degrades to gender "N" and age
// category "Unknown" rather than failing the decode.
func parsePatientField(field string, recordedAt time.Time) models.Patient {
	p := models.Patient{Gender: "N", AgeCategory: "Unknown"}

	parts := strings.Fields(field)
	if len(parts) == 0 {
		return p
	}

	if parts[0] != "X" {
		p.ID = parts[0]
	}
	if len(parts) > 1 {
		switch strings.ToUpper(parts[1]) {
		case "M":
			p.Gender = "M"
		case "F":
			p.Gender = "F"
		}
	}
	if len(parts) > 2 {
		if birth, ok := parseBirthdate(parts[2]); ok {
			p.AgeCategory = ageCategory(birth, recordedAt)
		}
	}

	return p
}

// parseBirthdate reads the EDF+ dd-MMM-yyyy form, e.g. "02-AUG-1951".
func parseBirthdate(s string) (time.Time, bool) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(parts[0])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, false
	}
	month, ok := months[strings.ToUpper(parts[1])]
	if !ok {
		return time.Time{}, false
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil || year < 1850 {
		return time.Time{}, false
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), true
}

// ageCategory places the patient's age at recording time into a band.
func ageCategory(birth, at time.Time) string {
	age := at.Year() - birth.Year()
	if at.Month() < birth.Month() ||
		(at.Month() == birth.Month() && at.Day() < birth.Day()) {
		age--
	}
	if age < 0 {
		return "Unknown"
	}
	for _, b := range ageBands {
		if age >= b.lo && age < b.hi {
			return b.name
		}
	}
	return "Unknown"
}
