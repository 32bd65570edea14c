/*
   Keychain - OpenPGP keyring storage
   Copyright (C) 2014  The Keychain Developers

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published by
   the Free Software Foundation, version 3.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <http://www.gnu.org/licenses/>.
*/

package metrics

type Settings struct {
	MetricsAddr string `toml:"metricsAddr"`
	MetricsPath string `toml:"metricsPath"`
}

var defaultSettings = Settings{
	MetricsAddr: ":9626",
	MetricsPath: "/metrics",
}

func DefaultSettings() *Settings {
	return &defaultSettings
}
