package stage

// Check-in pipeline stages.
const (
	Demographics        Name = "demographics"
	Insurance           Name = "insurance"
	Allergies           Name = "allergies"
	AddAllergies        Name = "add_allergies"
	Symptoms            Name = "symptoms"
	Pharmacy            Name = "pharmacy"
	Medications         Name = "medications"
	FamilyHistory       Name = "family_history"
	SocialHistory       Name = "social_history"
	PastSurgicalHistory Name = "past_surgical_history"
	PastHospitalization Name = "past_hospitalization"
	Complete            Name = "complete"
)

var intakeStages = []Stage{
	{Name: Demographics, Successor: Insurance, Title: "Demographics"},
	{Name: Insurance, Successor: Allergies, Title: "Insurance"},
	{Name: Allergies, Successor: AddAllergies, Title: "Allergies"},
	{Name: AddAllergies, Successor: Symptoms, Title: "Add allergies"},
	{Name: Symptoms, Successor: Pharmacy, Title: "Symptoms"},
	{Name: Pharmacy, Successor: Medications, Title: "Pharmacy"},
	{Name: Medications, Successor: FamilyHistory, Title: "Medications"},
	{Name: FamilyHistory, Successor: SocialHistory, Title: "Family history"},
	{Name: SocialHistory, Successor: PastSurgicalHistory, Title: "Social history"},
	{Name: PastSurgicalHistory, Successor: PastHospitalization, Title: "Past surgical history"},
	{Name: PastHospitalization, Successor: Complete, Title: "Past hospitalization"},
	{Name: Complete, Terminal: true, Title: "Check-in complete"},
}

// Intake returns the compiled check-in pipeline.
func Intake() *Graph {
	g, err := New(intakeStages)
	if err != nil {
		panic(err)
	}
	return g
}
