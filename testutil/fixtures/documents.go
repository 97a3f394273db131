// Package fixtures provides document fixtures for validator, runner
// and orchestrator tests.
package fixtures

// Requirements is a small but realistic requirements document used as
// the submission-time input in tests.
const Requirements = `# Requirements

Build a URL shortener service.

- Users submit a long URL and receive a short code.
- Visiting the short code redirects to the long URL.
- Codes never expire.
`

// ValidAcceptanceCriteria passes the sections validator for the
// analysis stage of the built-in pipeline.
const ValidAcceptanceCriteria = `# Acceptance Criteria Document

## Overview

Acceptance criteria for the URL shortener service described in the
requirements document.

## User Stories

- As a user, I submit a long URL and receive a short code.
- As a visitor, I open a short code and land on the long URL.

## Acceptance Criteria

- Submitting a valid URL returns a code of at most 8 characters.
- Opening a known code redirects with HTTP 301.
- Opening an unknown code returns HTTP 404.

## Edge Cases

- Submitting the same URL twice returns the same code.
- Malformed URLs are rejected with a clear error.
`

// MissingSectionDoc omits the Edge Cases section required by the
// analysis stage.
const MissingSectionDoc = `# Acceptance Criteria Document

## Overview

Criteria for the URL shortener.

## User Stories

- As a user, I shorten URLs.

## Acceptance Criteria

- Codes resolve to their long URLs.
`

// EmptySectionDoc contains every required heading but one section has
// no body.
const EmptySectionDoc = `# Acceptance Criteria Document

## Overview

Criteria for the URL shortener.

## User Stories

## Acceptance Criteria

- Codes resolve to their long URLs.

## Edge Cases

- Duplicate submissions reuse the existing code.
`

// ValidDesignDocument passes the sections validator for the design
// stage of the built-in pipeline.
const ValidDesignDocument = `# Design Document

## Architecture

A single HTTP service backed by a key-value store, as scoped by the
acceptance criteria.

## Components

- API layer handling shorten and redirect requests.
- Code generator producing collision-free short codes.
- Storage adapter over the key-value store.

## Data Model

Mapping of short code to long URL with creation timestamp.

## Interfaces

- POST /shorten {url} -> {code}
- GET /{code} -> 301 redirect
`

// ValidDeveloperDocument passes the sections validator for the
// developer_doc stage of the built-in pipeline.
const ValidDeveloperDocument = `# Developer Document

## Implementation Plan

Build the storage adapter first, then the code generator, then the two
HTTP endpoints from the design document.

## Module Breakdown

- store: key-value persistence for code to URL mappings.
- shortener: code generation and duplicate detection.
- api: HTTP handlers for shorten and redirect.

## Testing Strategy

Unit tests per module plus an end-to-end shorten-then-redirect test.
`

// ValidGeneratedCode passes the crossref validator for the
// code_generation stage: it references both the requirements and the
// developer document it was generated from.
const ValidGeneratedCode = `// Generated from the developer document for the URL shortener
// requirements.

package shortener

func Shorten(url string) (string, error) {
	// implementation per the developer document module breakdown
	return encode(url), nil
}
`
