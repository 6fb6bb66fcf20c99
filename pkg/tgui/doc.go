// Package tgui holds small chat UI helpers shared by the admin and join flows:
//   - HTML builders safe for ParseMode="HTML" (auto escaping)
//   - callback data in the "scope:action:payload" form
//   - transport-neutral keyboard builders
package tgui
