// Package storage keeps a log of executed device commands.
//
// Only outcomes are stored (what ran, how many attempts, any error). Queued
// tasks are never persisted: a restart drops whatever was still pending.
package storage
