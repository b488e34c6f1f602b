// Package types defines the shared data model of DataForge: the job and
// sample records, the generation request, and the unified error taxonomy
// used across the orchestrator, providers, stores, and API layer.
package types
