package kiosk

import "reflect"

// TagOf returns the type tag for an item type. Tags are derived from the Go
// type identity, so two different item types can never collide, and every
// generic operation over T can be checked against the tag a record was
// stored under.
func TagOf[T Item]() string {
	return reflect.TypeFor[T]().String()
}
