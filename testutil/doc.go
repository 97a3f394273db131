// Package testutil provides shared test helpers, scripted mocks and
// document fixtures used across package tests.
package testutil
