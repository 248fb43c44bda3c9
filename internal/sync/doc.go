// Package sync reconciles local project folders with device projects.
//
// Overview
//
// The Engine moves files in both directions between a workspace folder and
// the device. It has no change feed from the device, so remote changes only
// arrive through a full reconciliation; local changes arrive as editor or
// watcher events through the incremental handlers.
//
// Full reconciliation
//
// SyncProject runs one of four modes:
//
//	download-all   fetch every included remote file
//	upload-all     upload every included local file
//	update-local   fetch files that exist on both sides
//	update-remote  upload files that exist on both sides
//
// Both trees are indexed with the same traversal (package indexer), so the
// intersection modes compare like with like. Local folders are created
// before any file transfer starts, and transfers run in a bounded window.
// A file that fails is reported and the rest of the batch continues.
//
// Incremental handlers
//
// OnSave, OnCreate, OnDelete and OnRename map each local path to its remote
// path through the registry and the project's exclusion settings. Unmapped
// paths are ignored. While the device is offline the events go into the
// backlog instead; ReplayBacklog sends each queue once after reconnecting.
//
// Conflicts
//
// There is no content comparison. The last write the engine performs for a
// path wins, in either direction.
//
// Echo suppression
//
// Files the engine writes locally are remembered for a short window so the
// resulting file events are not uploaded straight back to the device.
package sync
