// Package gateway implements the HTTP remote client for FirecREST-style
// compute endpoints.
//
// A Session is one authenticated connection to a client's API: it fetches
// OAuth2 tokens with the client-credentials flow, stamps every request with
// the target machine name, transparently refreshes the token once on a 401,
// and folds transport failures into the error families the engine retries or
// excepts on. The Hub hands out one shared Session per stored client, so all
// calcjobs targeting the same endpoint reuse its connections and token.
package gateway
