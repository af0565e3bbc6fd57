// Package security provides validation, sanitization, and limits for fireflow.
//
// This package includes:
//   - Input validation for client, code and calcjob labels
//   - Exception message sanitization to prevent sensitive data leakage
//   - Clamping functions to enforce safe limits on retries, concurrency
//     and page sizes
//   - Security-related constants defining maximum sizes and counts
//
// Most users should import the root package github.com/chrisjsewell/fireflow
// which applies these limits automatically.
package security
