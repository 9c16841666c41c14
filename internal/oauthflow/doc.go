// Package oauthflow runs OAuth 2.0 authorization code flows against
// providers, either directly with PKCE or through a proxy server that holds
// the client secret.
//
// Every started flow gets its own session, keyed by a generated flow id:
//
//	flow, err := ctrl.Start(ctx, "github")
//	// send the user to flow.AuthorizationURL, then deliver the redirect:
//	rec, err := ctrl.HandleCallback(ctx, oauthflow.CallbackPayload{
//		FlowID: flow.ID,
//		Code:   code,
//		State:  state,
//	})
//
// A session is consumed by the first callback that names it, whether the
// exchange succeeds or not. Sessions that see no callback expire after the
// configured timeout and their flow fails with ErrFlowTimeout.
//
// The state parameter is compared before any network request is made.
package oauthflow
