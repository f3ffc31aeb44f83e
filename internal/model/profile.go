package model

// ReservationProfile carries the identity and form payload submitted to the
// catering site. Owned by the dashboard profile store; cached locally so a
// run can proceed offline. Treated as immutable once fetched for a run.
type ReservationProfile struct {
	Email          string `json:"email"`
	Name           string `json:"name"`
	EmployeeID     string `json:"employee_id"`
	CateringOption string `json:"catering_option"`
}

// WithOption clones the profile with a different catering option. Used by
// the fallback controller to build each alternative attempt.
func (p ReservationProfile) WithOption(option string) ReservationProfile {
	p.CateringOption = option
	return p
}

// Complete reports whether every field the target form requires is present.
func (p ReservationProfile) Complete() bool {
	return p.Email != "" && p.Name != "" && p.EmployeeID != "" && p.CateringOption != ""
}

// optionCodes maps human-readable option labels to the enumerated codes the
// target site's type select actually carries. Unknown labels pass through
// unchanged so raw codes keep working.
var optionCodes = map[string]string{
	"slot1":  "01",
	"slot2":  "02",
	"slot3":  "03",
	"combo":  "04",
	"salad":  "05",
	"lunch":  "01",
	"dinner": "02",
}

// OptionCode resolves an option label to the site's select value.
func OptionCode(label string) string {
	if code, ok := optionCodes[label]; ok {
		return code
	}
	return label
}
