// Copyright © 2018 One Concern

// Package storage provides interface to handle physical backend storage objects.
//
// This package supports the following backends:
//   - S3 (AWS, or any S3-compatible endpoint)
//   - local file system (through afero)
//
// Keys are slash separated paths. Implementations know nothing about tenants
// or content addressing: they store bytes under keys.
package storage
