package backup

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Retention classes. An archive belongs to exactly one class: monthly
// when taken on the first of the month, weekly when taken on a Sunday,
// daily otherwise. Monthly takes precedence over weekly when the first
// falls on a Sunday.
const (
	RetentionDaily   = "daily"
	RetentionWeekly  = "weekly"
	RetentionMonthly = "monthly"
)

// Kept per class, newest first.
const (
	keepDaily   = 7
	keepWeekly  = 2
	keepMonthly = 6
)

// Classify assigns an archive creation time to its retention class.
func Classify(createdAt time.Time) string {
	t := createdAt.UTC()
	if t.Day() == 1 {
		return RetentionMonthly
	}
	if t.Weekday() == time.Sunday {
		return RetentionWeekly
	}
	return RetentionDaily
}

// Prune deletes archives beyond the per-class retention counts and
// returns the names it removed. The pending restore archive is never
// touched.
func (m *Manager) Prune() ([]string, error) {
	infos, err := m.List()
	if err != nil {
		return nil, err
	}

	keep := map[string]int{
		RetentionDaily:   keepDaily,
		RetentionWeekly:  keepWeekly,
		RetentionMonthly: keepMonthly,
	}

	var removed []string
	seen := map[string]int{}
	for _, info := range infos {
		if info.Metadata == nil {
			// No metadata means no creation time; leave it for an
			// operator rather than guess.
			continue
		}
		class := Classify(info.Metadata.CreatedAt)
		seen[class]++
		if seen[class] <= keep[class] {
			continue
		}
		path := filepath.Join(m.dir, info.Name)
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove archive %s: %w", info.Name, err)
		}
		removed = append(removed, info.Name)
	}
	if len(removed) > 0 {
		log.Printf("[Backup] pruned %d archives: %v", len(removed), removed)
	}
	return removed, nil
}
