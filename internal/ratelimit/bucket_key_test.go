package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBucketKeyDistinguishesRouteAndValue(t *testing.T) {
	a := bucketKey{route: "r1", value: "1.2.3.4"}
	b := bucketKey{route: "r1", value: "5.6.7.8"}
	c := bucketKey{route: "r2", value: "1.2.3.4"}

	assert.NotEqual(t, a, b, "different key values must not collide")
	assert.NotEqual(t, a, c, "different routes must not collide even with the same key value")

	m := map[bucketKey]int{a: 1, b: 2, c: 3}
	assert.Len(t, m, 3)
}

func TestBucketKeyEqualValuesCollide(t *testing.T) {
	a := bucketKey{route: "r1", value: "same"}
	b := bucketKey{route: "r1", value: "same"}
	assert.Equal(t, a, b, "identical route+value must map to the same entry")
}
