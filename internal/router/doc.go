// Package router implements client-side navigation: a route table carrying
// requiresAuth metadata, path resolution with parameters, and BeforeEach
// guards that may redirect a transition. AuthGuard is the authentication
// policy applied to every navigation in the chat client.
package router
