package intents

import (
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"
)

const (
	defaultBranchPrefix      = "feature/"
	defaultBranchMaxAttempts = 1000
	maxSlugLength            = 48
	fallbackSlug             = "intent"
)

// Slugify lower-cases featureName and collapses every run of non-alphanumeric
// characters into a single dash.
func Slugify(featureName string) string {
	var builder strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(featureName) {
		isAlphanumeric := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlphanumeric {
			pendingDash = builder.Len() > 0
			continue
		}
		if pendingDash {
			builder.WriteByte('-')
			pendingDash = false
		}
		builder.WriteRune(r)
	}
	slug := builder.String()
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		return fallbackSlug
	}
	return slug
}

func formatBranchName(prefix, slug string, suffix int) string {
	return fmt.Sprintf("%s%s-%03d", prefix, slug, suffix)
}

// highestBranchSuffix returns the largest numeric suffix already allocated to
// prefix+slug, or zero when none exists.
func highestBranchSuffix(transaction *gorm.DB, prefix, slug string) (int, error) {
	stem := prefix + slug + "-"
	var names []string
	err := transaction.Model(&Intent{}).
		Where("branch_name LIKE ?", stem+"%").
		Pluck("branch_name", &names).Error
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, name := range names {
		if !strings.HasPrefix(name, stem) {
			continue
		}
		suffix, convErr := strconv.Atoi(name[len(stem):])
		if convErr != nil || suffix <= 0 {
			continue
		}
		if suffix > highest {
			highest = suffix
		}
	}
	return highest, nil
}

// createWithBranch inserts intent under the first free suffix above the
// highest one already taken. The unique index stays authoritative: a collision
// moves on to the next suffix inside its own savepoint, and only
// branchMaxAttempts collisions in a row abort the insert.
func (service *Service) createWithBranch(transaction *gorm.DB, intent *Intent) error {
	slug := Slugify(intent.FeatureName)
	highest, err := highestBranchSuffix(transaction, service.branchPrefix, slug)
	if err != nil {
		return err
	}
	suffix := highest + 1
	for attempt := 0; attempt < service.branchMaxAttempts; attempt++ {
		intent.BranchName = formatBranchName(service.branchPrefix, slug, suffix)
		err := transaction.Transaction(func(savepoint *gorm.DB) error {
			return savepoint.Create(intent).Error
		})
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
		suffix++
	}
	intent.BranchName = ""
	return errBranchExhausted
}
