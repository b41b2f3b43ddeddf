// Package client provides engine.ResourceClient adapters.
//
// Memory is an in-process control plane used by tests, dry runs and the
// watch loop's offline mode. REST speaks the OpenWhisk-style HTTP API:
//
//	c, err := client.NewREST(client.RESTConfig{
//	    Credentials: client.Credentials{APIHost: "fn.example.com", Auth: "user:key"},
//	}, logger)
//
// Create maps to PUT with overwrite=false, Update to PUT with overwrite=true.
// HTTP 404 and 409 responses become engine NotFound and AlreadyExists errors.
package client
