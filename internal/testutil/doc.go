// Package testutil holds in-memory fakes and document fixtures shared by the
// service, job and handler tests.
package testutil
