// Package mysql persists router state and access roles in MySQL. Schema
// changes are shipped as embedded migrations under deploy/migrations and are
// applied once per version when a connection is opened.
package mysql
