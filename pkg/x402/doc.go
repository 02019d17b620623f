// Package x402 implements the x402 HTTP payment protocol for Stellar.
//
// A resource server wraps its handlers with Middleware. Requests without an
// X-PAYMENT header receive 402 Payment Required and a JSON body listing the
// accepted PaymentRequirements. A client signs a Stellar payment, sends it
// base64 encoded in X-PAYMENT, and the middleware asks a Facilitator to
// verify and settle it. The settlement result comes back in
// X-PAYMENT-RESPONSE.
//
// Basic usage:
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/api/resource", myHandler)
//
//	handler := x402.Middleware(mux, x402.Config{
//	    RequirementsConfig: x402.RequirementsConfig{
//	        PayTo:    "GBRPYHIL2CI3FNQ4BXLFMNDLFJUNPU2HY3ZMFSHONUCEOASW7QC7OX2H",
//	        Asset:    "native",
//	        Price:    "0.01",
//	        Networks: []x402.NetworkType{x402.NetworkStellarTestnet},
//	    },
//	    ExemptPaths: []string{"/public"},
//	    Facilitator: facilitator.NewClient("https://facilitator.example.com"),
//	})
//
//	http.ListenAndServe(":8080", handler)
//
// Handlers that respond with a status of 400 or above are not charged.
package x402
