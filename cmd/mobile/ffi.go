//go:build cgo

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

// cString hands a result to the caller, or records err and returns NULL.
func cString(s string, err error) *C.char {
	if err != nil {
		setLastError(err)
		return nil
	}
	return C.CString(s)
}

//export Init
// Init opens the engine described by the YAML config at configPath.
// Returns 0 on success, non-zero on error.
func Init(configPath *C.char) int32 {
	if err := initEngine(C.GoString(configPath)); err != nil {
		setLastError(err)
		return 1
	}
	return 0
}

//export Cleanup
// Cleanup stops background sync and closes the database.
func Cleanup() {
	shutdownEngine()
}

//export GetLastError
// GetLastError returns the last error as JSON.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	return C.CString(lastError())
}

// =====================================================
// Record Operations
// =====================================================

//export RecordPut
// RecordPut creates or updates a record from a JSON object of fields.
// Returns JSON string that must be freed by the caller.
func RecordPut(entityType, id, fields *C.char) *C.char {
	return cString(putRecord(C.GoString(entityType), C.GoString(id), C.GoString(fields)))
}

//export RecordGet
func RecordGet(entityType, id *C.char) *C.char {
	return cString(getRecord(C.GoString(entityType), C.GoString(id)))
}

//export RecordDelete
func RecordDelete(entityType, id *C.char) *C.char {
	return cString(deleteRecord(C.GoString(entityType), C.GoString(id)))
}

// =====================================================
// Sync Operations
// =====================================================

//export SyncNow
// SyncNow runs a sync pass and waits for it.
func SyncNow() *C.char {
	return cString(syncNow())
}

//export SyncSetOnline
// SyncSetOnline reports connectivity from the platform's network monitor.
func SyncSetOnline(online int32) *C.char {
	return cString(setOnline(online != 0))
}

//export SyncStatus
func SyncStatus() *C.char {
	return cString(syncStatus())
}

//export QueueList
// QueueList returns queued operations with sensitive fields redacted.
func QueueList() *C.char {
	return cString(listQueue())
}

//export ConflictList
func ConflictList() *C.char {
	return cString(listConflicts())
}

//export ConflictResolve
// ConflictResolve keeps one side: resolution is keep_local or keep_remote.
func ConflictResolve(entityType, id, resolution *C.char) *C.char {
	return cString(resolveConflict(C.GoString(entityType), C.GoString(id), C.GoString(resolution)))
}

// =====================================================
// Memory Management Helpers
// =====================================================

//export FreeString
// FreeString frees a string allocated by Go.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}
