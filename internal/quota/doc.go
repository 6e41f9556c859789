// Package quota tracks scan usage per subscriber and decides whether
// another scan may run.
//
// Evaluate is the pure policy. Service is the only writer of subscription
// rows; every mutation is a compare-and-swap on the row version, so
// concurrent scan completions never lose an increment.
package quota
