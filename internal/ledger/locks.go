/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ledger

import "sync"

// userLocks serializes all mutations to a given account. Every balance change
// is a read-modify-write cycle; without per-user serialization a concurrent
// writer can silently overwrite another's update. The optimistic version check
// on the account row remains as a second guard.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *userLocks) get(userId string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[userId]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[userId] = lock
	}
	return lock
}

// lockPair acquires both user locks in deterministic id order so transfers
// between the same pair of users cannot deadlock.
func (l *userLocks) lockPair(a, b string) func() {
	if a == b {
		lock := l.get(a)
		lock.Lock()
		return lock.Unlock
	}

	first, second := a, b
	if second < first {
		first, second = second, first
	}

	firstLock := l.get(first)
	secondLock := l.get(second)
	firstLock.Lock()
	secondLock.Lock()
	return func() {
		secondLock.Unlock()
		firstLock.Unlock()
	}
}
