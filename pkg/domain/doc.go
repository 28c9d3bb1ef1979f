// Package domain defines the core documentation hosting types: users,
// organizations, projects, versions, builds, custom domains, redirects and
// version automation rules.
//
// This package has no dependencies outside the Go standard library. Storage,
// HTTP and task packages depend on these types, never the other way around:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
