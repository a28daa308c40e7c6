package data

import "time"

// NewAuditName generates the default audit name when the user leaves one
// unset: "<prefix>-YYYY-MM-DD-HH_MM_SS".
func NewAuditName(prefix string, now time.Time) string {
	return prefix + "-" + now.Format("2006-01-02-15_04_05")
}
