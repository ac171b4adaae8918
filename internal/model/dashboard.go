package model

import "time"

// DashboardStats holds the role-dependent counters. Unused fields are omitted.
type DashboardStats struct {
	TotalPatients  *int       `json:"totalPatients,omitempty"`
	TotalUsers     *int       `json:"totalUsers,omitempty"`
	TotalRecords   *int       `json:"totalRecords,omitempty"`
	ActiveStaff    *int       `json:"activeStaff,omitempty"`
	PatientsToday  *int       `json:"patientsToday,omitempty"`
	RecordsUpdated *int       `json:"recordsUpdated,omitempty"`
	PendingTasks   *int       `json:"pendingTasks,omitempty"`
	LastVisit      *time.Time `json:"lastVisit,omitempty"`
}
