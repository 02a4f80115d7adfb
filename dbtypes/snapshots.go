package dbtypes

import "time"

// Snapshot document names in the analyticsSnapshots collection.
const (
	SystemStatsSnapshot           = "system_stats"
	AdherenceDistributionSnapshot = "adherence_distribution"
	UserGrowthSnapshot            = "user_growth"
	MedicineStatsSnapshot         = "medicine_stats"
)

type SystemStats struct {
	TotalUsers     int64 `firestore:"totalUsers" json:"totalUsers"`
	PatientCount   int64 `firestore:"patientCount" json:"patientCount"`
	CaregiverCount int64 `firestore:"caregiverCount" json:"caregiverCount"`
	AdminCount     int64 `firestore:"adminCount" json:"adminCount"`
	TotalMedicines int64 `firestore:"totalMedicines" json:"totalMedicines"`
	TotalLinks     int64 `firestore:"totalLinks" json:"totalLinks"`

	// Mean of today's per-user adherence percentage, over users that own at
	// least one medicine.
	AvgAdherence       float64 `firestore:"avgAdherence" json:"avgAdherence"`
	UsersWithMedicines int64   `firestore:"usersWithMedicines" json:"usersWithMedicines"`

	DateKey     string    `firestore:"dateKey" json:"dateKey"`
	LastUpdated time.Time `firestore:"lastUpdated" json:"lastUpdated"`
}

// AdherenceDistribution holds rounded percentages of the population, not raw
// counts.
type AdherenceDistribution struct {
	Excellent  int64 `firestore:"excellent" json:"excellent"`
	Good       int64 `firestore:"good" json:"good"`
	Fair       int64 `firestore:"fair" json:"fair"`
	Poor       int64 `firestore:"poor" json:"poor"`
	Population int64 `firestore:"population" json:"population"`

	DateKey     string    `firestore:"dateKey" json:"dateKey"`
	LastUpdated time.Time `firestore:"lastUpdated" json:"lastUpdated"`
}

type GrowthPoint struct {
	Date       string `firestore:"date" json:"date"`
	Patients   int64  `firestore:"patients" json:"patients"`
	Caregivers int64  `firestore:"caregivers" json:"caregivers"`
	Admins     int64  `firestore:"admins" json:"admins"`
	Total      int64  `firestore:"total" json:"total"`
}

type UserGrowth struct {
	Data        []GrowthPoint `firestore:"data" json:"data"`
	LastUpdated time.Time     `firestore:"lastUpdated" json:"lastUpdated"`
}

type MedicineStats struct {
	TotalMedicines int64            `firestore:"totalMedicines" json:"totalMedicines"`
	ByFrequency    map[string]int64 `firestore:"byFrequency" json:"byFrequency"`
	ByTimeSlot     map[string]int64 `firestore:"byTimeSlot" json:"byTimeSlot"`
	AvgPerUser     float64          `firestore:"avgPerUser" json:"avgPerUser"`
	LastUpdated    time.Time        `firestore:"lastUpdated" json:"lastUpdated"`
}
