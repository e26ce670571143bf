// Package domain defines the core types and collaborator contracts of the
// server-to-server dialback service.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no sockets, caches, TLS stacks)
// - Shared by the originating, receiving and authoritative roles
// - Testable in isolation without mocks
//
// Other packages (dialback, session, policy, storage) implement or consume the
// interfaces defined here. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
