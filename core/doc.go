// Package core holds the domain model and orchestration for bank
// authorization: the per-bank configuration registry, the pushed
// authorization and token grant flows, the token lifecycle state machine,
// and consent tracking. Outer packages, the wire client and the stores,
// depend on core; core must not depend on any of them.
package core
