// Package tgui holds small chat UI helpers for the operator console:
// HTML escaping, a message builder, inline keyboards, callback data in the
// "scope:action:payload" form, and paging.
package tgui
