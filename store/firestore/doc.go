// Package firestore is the Cloud Firestore message store. Writes use the
// firestore.ServerTimestamp sentinel; live queries wrap query snapshot
// iterators.
package firestore
