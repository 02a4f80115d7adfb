// Package dbtypes holds the documents stored by both store backends.
package dbtypes

import (
	"time"
)

// Collection names.
const (
	MedicinesCollection          = "medicines"
	UsersCollection              = "users"
	CaregiverLinksCollection     = "caregiverLinks"
	CaregiverLinkCodesCollection = "caregiverLinkCodes"
	AnalyticsSnapshotsCollection = "analyticsSnapshots"
	NotificationLogCollection    = "notificationLog"
	JobLeasesCollection          = "jobLeases"
)

type Role string

const (
	RolePatient   Role = "patient"
	RoleCaregiver Role = "caregiver"
	RoleAdmin     Role = "admin"
)

// User represents a person registered with the application.
//
// Users are owned by the account layer; this module only reads them.
type User struct {
	ID          string `firestore:"id" json:"id"`
	Email       string `firestore:"email" json:"email"`
	DisplayName string `firestore:"displayName" json:"displayName"`
	Role        Role   `firestore:"role" json:"role"`

	// Push token for the user's most recently registered device.  Empty if
	// the user never granted notification permission.
	PushToken string `firestore:"pushToken" json:"pushToken"`

	EmailRemindersEnabled bool `firestore:"emailRemindersEnabled" json:"emailRemindersEnabled"`

	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
}

func (u *User) SetID(id string) { u.ID = id }

// Name returns the best human-readable name for the user.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Email
}

type Medicine struct {
	ID          string `firestore:"id" json:"id"`
	OwnerUserID string `firestore:"ownerUserId" json:"ownerUserId"`
	Name        string `firestore:"name" json:"name"`
	Dosage      string `firestore:"dosage" json:"dosage"`

	// Wall-clock "HH:MM" in the deployment time zone.
	ScheduledTime string `firestore:"scheduledTime" json:"scheduledTime"`

	// Free text like "Once daily".  Informational only.
	FrequencyLabel string `firestore:"frequencyLabel" json:"frequencyLabel"`

	// Keyed by date key.  A key is present (and true) iff the dose for that day
	// was marked taken; untaking removes the key.
	TakenHistory map[string]bool `firestore:"takenHistory" json:"takenHistory"`

	LastTakenAt *time.Time `firestore:"lastTakenAt" json:"lastTakenAt"`

	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
}

func (m *Medicine) SetID(id string) { m.ID = id }

// TakenOn reports whether the dose for dateKey was marked taken.
func (m *Medicine) TakenOn(dateKey string) bool {
	return m.TakenHistory[dateKey]
}

// CaregiverLinkCode is a short-lived, single-use code a patient hands to a
// caregiver.
type CaregiverLinkCode struct {
	ID        string    `firestore:"id" json:"id"`
	Code      string    `firestore:"code" json:"code"`
	PatientID string    `firestore:"patientId" json:"patientId"`
	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
	ExpiresAt time.Time `firestore:"expiresAt" json:"expiresAt"`

	Used              bool       `firestore:"used" json:"used"`
	UsedByCaregiverID string     `firestore:"usedByCaregiverId" json:"usedByCaregiverId"`
	UsedAt            *time.Time `firestore:"usedAt" json:"usedAt"`
}

func (c *CaregiverLinkCode) SetID(id string) { c.ID = id }

// Expired reports whether the code's window has closed at now.
func (c *CaregiverLinkCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Inert reports whether the code can no longer be redeemed, and so may be
// garbage collected.
func (c *CaregiverLinkCode) Inert(now time.Time) bool {
	return c.Used || c.Expired(now)
}

type CaregiverLink struct {
	ID          string    `firestore:"id" json:"id"`
	PatientID   string    `firestore:"patientId" json:"patientId"`
	CaregiverID string    `firestore:"caregiverId" json:"caregiverId"`
	LinkedAt    time.Time `firestore:"linkedAt" json:"linkedAt"`
}

func (l *CaregiverLink) SetID(id string) { l.ID = id }

// LinkID is the document ID of the link between patientID and caregiverID.
//
// Deriving the ID from the pair means the store itself refuses a second link
// for the same pair.
func LinkID(patientID, caregiverID string) string {
	return patientID + "_" + caregiverID
}

type NotificationType string

const (
	NotificationReminder     NotificationType = "reminder"
	NotificationMissedDose   NotificationType = "missed_dose"
	NotificationDailyReport  NotificationType = "daily_report"
	NotificationWeeklyReport NotificationType = "weekly_report"
	NotificationAllDone      NotificationType = "all_done"
)

// NotificationLogEntry records one dispatch attempt.  It is advisory; nothing
// deduplicates against it.
type NotificationLogEntry struct {
	ID              string           `firestore:"id" json:"id"`
	Type            NotificationType `firestore:"type" json:"type"`
	UserID          string           `firestore:"userId" json:"userId"`
	RecipientUserID string           `firestore:"recipientUserId" json:"recipientUserId"`
	MedicineID      string           `firestore:"medicineId" json:"medicineId"`
	SentAt          time.Time        `firestore:"sentAt" json:"sentAt"`

	PushAttempted  bool `firestore:"pushAttempted" json:"pushAttempted"`
	PushDelivered  bool `firestore:"pushDelivered" json:"pushDelivered"`
	EmailAttempted bool `firestore:"emailAttempted" json:"emailAttempted"`
	EmailDelivered bool `firestore:"emailDelivered" json:"emailDelivered"`

	MedicineName  string `firestore:"medicineName" json:"medicineName"`
	Dosage        string `firestore:"dosage" json:"dosage"`
	ScheduledTime string `firestore:"scheduledTime" json:"scheduledTime"`
}

func (e *NotificationLogEntry) SetID(id string) { e.ID = id }

// JobLease is held by the replica currently running a named job, or records
// which replica claimed one tick of a job's schedule.
type JobLease struct {
	Name      string    `firestore:"name" json:"name"`
	Holder    string    `firestore:"holder" json:"holder"`
	ExpiresAt time.Time `firestore:"expiresAt" json:"expiresAt"`
}
