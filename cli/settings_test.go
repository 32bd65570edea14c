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

package cli

import (
	stdtesting "testing"

	gc "gopkg.in/check.v1"
)

func Test(t *stdtesting.T) { gc.TestingT(t) }

type SettingsSuite struct{}

var _ = gc.Suite(&SettingsSuite{})

func (s *SettingsSuite) TestDefaults(c *gc.C) {
	settings, err := ParseSettings("")
	c.Assert(err, gc.IsNil)
	c.Check(settings.DB.Driver, gc.Equals, "postgres")
	c.Check(settings.LogLevel, gc.Equals, "INFO")
	c.Check(settings.CacheSize, gc.Equals, DefaultCacheSize)
	c.Check(settings.Metrics.MetricsAddr, gc.Equals, ":9626")
	c.Check(settings.Software, gc.Equals, "Keychain")
}

func (s *SettingsSuite) TestParse(c *gc.C) {
	settings, err := ParseSettings(`
[keychain]
loglevel="DEBUG"
cacheSize=128
version="2.1"

[keychain.db]
driver="postgres"
dsn="database=kc_test host=localhost"

[keychain.metrics]
metricsAddr=":9999"
`)
	c.Assert(err, gc.IsNil)
	c.Check(settings.LogLevel, gc.Equals, "DEBUG")
	c.Check(settings.CacheSize, gc.Equals, 128)
	c.Check(settings.Version, gc.Equals, "2.1")
	c.Check(settings.DB.DSN, gc.Equals, "database=kc_test host=localhost")
	c.Check(settings.Metrics.MetricsAddr, gc.Equals, ":9999")
	c.Check(settings.Metrics.MetricsPath, gc.Equals, "/metrics")
}

func (s *SettingsSuite) TestParseInvalid(c *gc.C) {
	_, err := ParseSettings("[keychain\nbroken")
	c.Assert(err, gc.NotNil)
}
