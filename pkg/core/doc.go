// Package core provides the fundamental types and interfaces for fireflow.
//
// This package contains:
//   - Client, Code, CalcJob and Processing data models with GORM annotations
//   - Storage and ObjectStore interfaces defining the persistence contracts
//   - RemoteClient and RemoteHub interfaces for talking to compute resources
//   - The step pipeline a calcjob advances through, and its derived states
//   - Event types for run monitoring
//   - Error types for step execution
//
// Most users should import the root package github.com/chrisjsewell/fireflow
// instead of this package directly.
package core
