// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package team

import (
	"crypto/ecdh"
	"crypto/ed25519"

	"github.com/sage-x-project/teamkeys/crypto/primitives"
)

// Identity is the local device's key material: the member-level identity
// keys (shared across a member's devices) and this specific device's own
// keys, which is what signs links on this device's behalf.
type Identity struct {
	UserID   string
	UserName string

	UserSignPublic    ed25519.PublicKey
	UserSignSecret    ed25519.PrivateKey
	UserEncryptPublic *ecdh.PublicKey
	UserEncryptSecret *ecdh.PrivateKey

	DeviceName          string
	DeviceSignPublic    ed25519.PublicKey
	DeviceSignSecret    ed25519.PrivateKey
	DeviceEncryptPublic *ecdh.PublicKey
	DeviceEncryptSecret *ecdh.PrivateKey
}

// NewIdentity generates a fresh member+device keyset for userID.
func NewIdentity(userID, userName, deviceName string) (Identity, error) {
	userSignPub, userSignSec, err := primitives.GenerateSigningKeyPair()
	if err != nil {
		return Identity{}, err
	}
	userEncPub, userEncSec, err := primitives.GenerateEncryptionKeyPair()
	if err != nil {
		return Identity{}, err
	}
	deviceSignPub, deviceSignSec, err := primitives.GenerateSigningKeyPair()
	if err != nil {
		return Identity{}, err
	}
	deviceEncPub, deviceEncSec, err := primitives.GenerateEncryptionKeyPair()
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		UserID:              userID,
		UserName:            userName,
		UserSignPublic:      userSignPub,
		UserSignSecret:      userSignSec,
		UserEncryptPublic:   userEncPub,
		UserEncryptSecret:   userEncSec,
		DeviceName:          deviceName,
		DeviceSignPublic:    deviceSignPub,
		DeviceSignSecret:    deviceSignSec,
		DeviceEncryptPublic: deviceEncPub,
		DeviceEncryptSecret: deviceEncSec,
	}, nil
}

// Member renders this identity as the Member record stored in team state.
func (id Identity) Member() Member {
	return Member{
		UserID:        id.UserID,
		UserName:      id.UserName,
		SignPublic:    id.UserSignPublic,
		EncryptPublic: id.UserEncryptPublic.Bytes(),
		Devices: []Device{
			id.Device(),
		},
	}
}

// Device renders this identity's device as a Device record.
func (id Identity) Device() Device {
	return Device{
		UserID:        id.UserID,
		DeviceName:    id.DeviceName,
		SignPublic:    id.DeviceSignPublic,
		EncryptPublic: id.DeviceEncryptPublic.Bytes(),
	}
}
