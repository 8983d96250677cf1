package model

// Criterion is one roster requirement a member can fail.
type Criterion string

const (
	CriterionUnpaid      Criterion = "unpaid"
	CriterionNotInRoster Criterion = "not_in_roster"
	CriterionMissingName Criterion = "missing_name"
)

// MissingCriteria lists the roster requirements the record fails, in a fixed
// order. The account link is not a criterion here. A nil record fails all.
func MissingCriteria(r *VerificationRecord) []Criterion {
	if r == nil {
		return []Criterion{CriterionUnpaid, CriterionNotInRoster, CriterionMissingName}
	}
	var missing []Criterion
	if r.HasPaid == nil || !*r.HasPaid {
		missing = append(missing, CriterionUnpaid)
	}
	if r.InRoster == nil || !*r.InRoster {
		missing = append(missing, CriterionNotInRoster)
	}
	if r.Name == nil || *r.Name == "" {
		missing = append(missing, CriterionMissingName)
	}
	return missing
}

// Eligible is the desired state of the verified role for a record.
// waiveLink drops the requirement that the record is linked to an account.
func Eligible(r *VerificationRecord, waiveLink bool) bool {
	if r == nil || len(MissingCriteria(r)) > 0 {
		return false
	}
	return waiveLink || r.Linked()
}
