package reservation

import (
	"fmt"
	"strings"
	"time"

	"ms-reservation/internal/domain"
	"ms-reservation/internal/models"
)

// BookingOpensAt returns when reservations open for session. loc is used for
// fixed_local_time policies when the session has no time zone of its own.
func BookingOpensAt(session *models.Session, loc *time.Location) (time.Time, error) {
	switch session.BookingOpensMode {
	case models.BookingOpensAlways, "":
		return time.Time{}, nil
	case models.BookingOpensHoursBefore:
		return session.StartsAt.Add(-time.Duration(session.BookingOpensHoursBefore) * time.Hour), nil
	case models.BookingOpensFixedLocalTime:
		if session.Timezone != "" {
			l, err := time.LoadLocation(session.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("session %s: invalid timezone %q", session.ID, session.Timezone)
			}
			loc = l
		}
		if loc == nil {
			loc = time.UTC
		}
		at, err := time.Parse("15:04", session.BookingOpensAtLocal)
		if err != nil {
			return time.Time{}, fmt.Errorf("session %s: invalid booking_opens_at_local %q", session.ID, session.BookingOpensAtLocal)
		}
		start := session.StartsAt.In(loc)
		return time.Date(start.Year(), start.Month(), start.Day(), at.Hour(), at.Minute(), 0, 0, loc).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("session %s: unknown booking policy %q", session.ID, session.BookingOpensMode)
	}
}

// checkBookingWindow rejects reservations before the session opens and from its start onward.
func checkBookingWindow(session *models.Session, opensAt, now time.Time) error {
	if !now.Before(session.StartsAt) {
		return fmt.Errorf("%w: session has already started", domain.ErrBookingNotOpen)
	}
	if now.Before(opensAt) {
		return fmt.Errorf("%w: opens at %s", domain.ErrBookingNotOpen, opensAt.Format(time.RFC3339))
	}
	return nil
}

// checkEligibility matches the player against the session's age-group and gender filters.
// Empty filters admit everyone.
func checkEligibility(session *models.Session, player *models.Player) error {
	if player.TenantID != session.TenantID {
		return fmt.Errorf("%w: player belongs to another organization", domain.ErrNotEligible)
	}
	if len(session.AgeGroups) > 0 && !containsFold(session.AgeGroups, player.AgeGroup) {
		return fmt.Errorf("%w: age group %q not allowed", domain.ErrNotEligible, player.AgeGroup)
	}
	if len(session.Genders) > 0 && !containsFold(session.Genders, player.Gender) {
		return fmt.Errorf("%w: gender %q not allowed", domain.ErrNotEligible, player.Gender)
	}
	return nil
}

func containsFold(set []string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, s := range set {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}
