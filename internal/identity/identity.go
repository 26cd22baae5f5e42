// Package identity implements the signing and operator identity layer.
//
// It provides:
//   - KeyManager    - creates/loads the Ed25519 key pair used for backup manifests and tokens
//   - Signer        - signs and verifies detached Ed25519 signatures
//   - TokenIssuer   - issues and verifies EdDSA JWT operator tokens
//   - RequireToken  - Gin middleware enforcing Bearer operator token authentication
//   - RequireScope  - Gin middleware enforcing a scope on the authenticated token
package identity
